package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/voxscribe/internal/asr"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/transcript/writer"
)

// Error kinds reported in the JSON error body.
const (
	KindAudioDecode      = "AudioDecodeError"
	KindInvalidAudio     = "InvalidAudioError"
	KindModelLoad        = "ModelLoadError"
	KindInference        = "InferenceError"
	KindInvalidTimestamp = "InvalidTimestampError"
	KindUnknownFormat    = "UnknownFormatError"
	KindBadRequest       = "BadRequestError"
	KindUploadTooLarge   = "UploadTooLargeError"
	KindInternal         = "InternalError"
)

// errBadRequest marks malformed query values and missing uploads.
var errBadRequest = errors.New("bad request")

// classify maps an error to its HTTP status and kind.
func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, KindUploadTooLarge
	case errors.Is(err, audio.ErrDecode):
		return http.StatusBadRequest, KindAudioDecode
	case errors.Is(err, asr.ErrInvalidAudio):
		return http.StatusBadRequest, KindInvalidAudio
	case errors.Is(err, writer.ErrUnknownFormat):
		return http.StatusBadRequest, KindUnknownFormat
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, KindBadRequest
	case errors.Is(err, asr.ErrModelLoad):
		return http.StatusInternalServerError, KindModelLoad
	case errors.Is(err, asr.ErrInference):
		return http.StatusInternalServerError, KindInference
	case errors.Is(err, writer.ErrInvalidTimestamp):
		return http.StatusInternalServerError, KindInvalidTimestamp
	}
	return http.StatusInternalServerError, KindInternal
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"kind":"InternalError","message":"encode response"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
