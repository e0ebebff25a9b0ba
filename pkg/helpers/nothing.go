package helpers

// Nothing is the payload type of calls whose response body carries no data.
type Nothing struct{}
