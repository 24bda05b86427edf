// Package trace contains the types provided for tracing topology changes
// within the rwsentinel and static packages. With tracing a user is able to
// pull out runtime events as they happen, which is useful for gathering
// metrics, logging, alerting, etc...
//
// All callbacks are called synchronously from whichever goroutine caused the
// event, so they should return quickly.
package trace
