package respond

// Gin context keys shared by middleware and handlers.
const (
	RequestIDKey  = "requestId"
	UserIDKey     = "userId"
	JobIDKey      = "jobId"
	TransitionKey = "statusTransition"
)
