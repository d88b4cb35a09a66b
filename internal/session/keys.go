package session

// Persisted key layout.
const (
	KeyToken        = "token"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"

	onboardedPrefix      = "onboarded_"
	onboardingDataPrefix = "onboarding_data_"
)

// OnboardedKey is the completion flag of identity id ("true" or absent).
func OnboardedKey(id string) string { return onboardedPrefix + id }

// OnboardingDataKey holds the serialized intake answers of identity id.
func OnboardingDataKey(id string) string { return onboardingDataPrefix + id }
