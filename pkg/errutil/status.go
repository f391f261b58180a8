package errutil

// CoreStatus is a transport-agnostic status code attached to every BaseError.
type CoreStatus string

const (
	StatusBadRequest          CoreStatus = "BAD_REQUEST"
	StatusValidationFailed    CoreStatus = "VALIDATION_FAILED"
	StatusUnauthorized        CoreStatus = "UNAUTHORIZED"
	StatusForbidden           CoreStatus = "FORBIDDEN"
	StatusNotFound            CoreStatus = "NOT_FOUND"
	StatusConflict            CoreStatus = "CONFLICT"
	StatusUnprocessableEntity CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusTooManyRequests     CoreStatus = "TOO_MANY_REQUESTS"
	StatusTimeout             CoreStatus = "TIMEOUT"
	StatusInternal            CoreStatus = "INTERNAL"
	StatusNotImplemented      CoreStatus = "NOT_IMPLEMENTED"
	StatusUnknown             CoreStatus = "UNKNOWN"
)
