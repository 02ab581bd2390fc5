package router

import "fmt"

// ProviderError reports a failed upstream call: transport failure, timeout or a non-2xx answer.
// StatusCode is zero when no HTTP response was received.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("provider %s request failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// MalformedResponseError reports a completion that lacks the expected fields.
type MalformedResponseError struct {
	Provider string
	Reason   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("provider %s returned a malformed completion: %s", e.Provider, e.Reason)
}
