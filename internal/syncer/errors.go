package syncer

import "fmt"

// Step labels identify which part of the reconciliation failed. They are
// echoed in error responses so the external system can see where a payload
// went wrong.
const (
	stepValidate     = "validate"
	stepOrganization = "organization"
	stepPipeline     = "pipeline"
	stepStages       = "stages"
	stepPerson       = "person"
	stepAccountLink  = "account_link"
	stepCase         = "case"
	stepStageHistory = "stage_history"
)

// Error is a reconciliation failure tagged with the step it occurred in.
// Client errors are payload or referential problems the caller can fix;
// everything else is an unexpected store failure.
type Error struct {
	Step    string
	Message string
	Client  bool
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sync %s: %s: %v", e.Step, e.Message, e.Err)
	}
	return fmt.Sprintf("sync %s: %s", e.Step, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func clientErr(step, message string) *Error {
	return &Error{Step: step, Message: message, Client: true}
}

func storeErr(step, message string, err error) *Error {
	return &Error{Step: step, Message: message, Err: err}
}
