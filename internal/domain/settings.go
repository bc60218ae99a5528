package domain

// Well-known setting keys.
const (
	SettingOnboardingComplete = "onboarding_complete"
	SettingDeviceRemoteID     = "device.remote_id"
	SettingDeviceTokenHash    = "device.token_hash"
	SettingLastSyncAt         = "sync.last_at"

	// RemoteSettingPrefix namespaces settings pulled from the remote authority.
	RemoteSettingPrefix = "remote."
)
