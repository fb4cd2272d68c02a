package models

// Work a unit queued onto the async dispatch pool.
type Work struct {
	Effector       func(successChannel chan any, errorChannel chan any)
	SuccessChannel chan any
	ErrorChannel   chan any
}
