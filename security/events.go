package security

// Event type constants for security audit logging.
const (
	// Token lifecycle

	// EventTokenIssued is logged when an access/refresh token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through /revoke
	EventTokenRevoked = "token_revoked"

	// EventTokenFamilyRevoked is logged when every token descending from one grant is revoked
	EventTokenFamilyRevoked = "token_family_revoked" //nolint:gosec // event name, not a credential

	// Authorization flow

	// EventAuthorizationRequested is logged when /authorize passes validation
	EventAuthorizationRequested = "authorization_requested"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventConsentGranted is logged when a user approves a consent request
	EventConsentGranted = "consent_granted"

	// EventConsentDenied is logged when a user denies a consent request
	EventConsentDenied = "consent_denied"

	// EventConsentRevoked is logged when a user withdraws consent
	EventConsentRevoked = "consent_revoked"

	// Client management

	// EventClientRegistered is logged when a client is registered
	EventClientRegistered = "client_registered"

	// EventClientUpdated is logged when client settings change
	EventClientUpdated = "client_updated"

	// EventClientSecretRegenerated is logged when a confidential client's secret is replaced
	EventClientSecretRegenerated = "client_secret_regenerated" //nolint:gosec // event name, not a credential

	// EventClientDeactivated is logged when a client is deactivated
	EventClientDeactivated = "client_deactivated"

	// EventClientReactivated is logged when a client is reactivated
	EventClientReactivated = "client_reactivated"

	// Security violations

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventMaliciousInput is logged when a parameter matches an attack signature
	EventMaliciousInput = "malicious_input_detected"

	// EventInvalidInput is logged when a parameter fails its allow-list pattern
	EventInvalidInput = "invalid_input"

	// EventSuspiciousRedirectURI is logged for dangerous schemes, shortener hosts or unregistered URIs
	EventSuspiciousRedirectURI = "suspicious_redirect_uri"

	// EventInvalidState is logged when CSRF state validation fails
	EventInvalidState = "invalid_state"

	// EventRateLimitExceeded is logged when a sliding-window limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventAbuseDetected is logged when an abuse threshold is crossed
	EventAbuseDetected = "abuse_detected"

	// EventPKCEValidationFailed is logged when a code_verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidGrant is logged for code or refresh token exchanges that fail validation
	EventInvalidGrant = "invalid_grant"

	// EventCodeReuseDetected is logged when a consumed or unknown code is presented
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventTokenReuseDetected is logged when a rotated refresh token is presented again
	EventTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential

	// EventServerError is logged when an unexpected failure aborts a flow
	EventServerError = "server_error"
)

// defaultSeverity maps event types to their audit severity.
// Unlisted events are SeverityLow.
var defaultSeverity = map[string]Severity{
	EventTokenFamilyRevoked:      SeverityHigh,
	EventClientSecretRegenerated: SeverityMedium,
	EventClientDeactivated:       SeverityMedium,
	EventConsentRevoked:          SeverityMedium,
	EventAuthFailure:             SeverityMedium,
	EventInvalidInput:            SeverityMedium,
	EventInvalidState:            SeverityHigh,
	EventMaliciousInput:          SeverityHigh,
	EventSuspiciousRedirectURI:   SeverityHigh,
	EventRateLimitExceeded:       SeverityMedium,
	EventAbuseDetected:           SeverityHigh,
	EventPKCEValidationFailed:    SeverityHigh,
	EventInvalidGrant:            SeverityMedium,
	EventCodeReuseDetected:       SeverityHigh,
	EventTokenReuseDetected:      SeverityCritical,
	EventServerError:             SeverityCritical,
}
