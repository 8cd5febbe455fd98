package openaicompat

import (
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes caps how much of a completion response we buffer.
// Batch output lines embed the body verbatim, so an unbounded read would
// let one misbehaving backend response exhaust worker memory.
const maxResponseBytes = 32 << 20 // 32 MB

func readAllLimited(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxResponseBytes)
	}
	return data, nil
}
