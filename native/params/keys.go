package params

const (
	// ParamsKeyPauses stores the module pause configuration.
	ParamsKeyPauses = "system/pauses"
	// ParamsKeyStaking stores the staking configuration overrides.
	ParamsKeyStaking = "system/staking"
)
