package scheduler_test

import (
	"encoding/json"
	"io"
	"log/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encodePayload(v map[string]any) ([]byte, error) {
	return json.Marshal(v)
}
