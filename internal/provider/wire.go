package provider

import (
	"io"
	"math"
	"net/http"
)

// maxResponseBytes caps how much of a vendor response is read. Vendor APIs
// return small payloads; anything bigger is a broken upstream.
const maxResponseBytes = 1 << 20

// toMinorUnits converts a vendor's decimal price to integer minor units.
func toMinorUnits(v float64) int64 {
	return int64(math.Round(v * 100))
}

// readBody drains and returns a bounded response body.
func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}
