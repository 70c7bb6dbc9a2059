// Package httputil holds the JSON response helpers shared by the trigger
// and retry handlers, so every endpoint answers with the same envelope.
package httputil
