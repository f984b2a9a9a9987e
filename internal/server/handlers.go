package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/MrWong99/voxscribe/internal/asr"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/transcript/writer"
)

const uploadField = "audio_file"

// asrQuery holds the validated query parameters of POST /asr.
type asrQuery struct {
	encode   bool
	task     asr.Task
	language string
	format   writer.Format
}

// parseASRQuery validates the query string. initial_prompt, vad_filter and
// word_timestamps are accepted and ignored.
func parseASRQuery(q url.Values) (asrQuery, error) {
	encode, err := parseEncode(q)
	if err != nil {
		return asrQuery{}, err
	}
	out := asrQuery{encode: encode, task: asr.TaskTranscribe}

	if t := q.Get("task"); t != "" {
		out.task = asr.Task(t)
		if !out.task.IsValid() {
			return asrQuery{}, fmt.Errorf("%w: task %q (supported: transcribe, translate)", errBadRequest, t)
		}
	}
	if lang := q.Get("language"); lang != "" {
		if lang != asr.AutoLanguage && !asr.IsSupportedLanguage(lang) {
			return asrQuery{}, fmt.Errorf("%w: language %q (supported: %s)", errBadRequest, lang, strings.Join(asr.LanguageCodes(), ", "))
		}
		out.language = lang
	}
	if out.format, err = writer.ParseFormat(q.Get("output")); err != nil {
		return asrQuery{}, err
	}
	return out, nil
}

func parseEncode(q url.Values) (bool, error) {
	v := q.Get("encode")
	if v == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: encode %q is not a boolean", errBadRequest, v)
	}
	return b, nil
}

// handleASR handles POST /asr.
func (s *Server) handleASR(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/asr"
	ctx := r.Context()
	jobID := xid.New().String()
	w.Header().Set("Asr-Engine", s.engine.Name())
	w.Header().Set("Asr-Job-Id", jobID)
	log := observe.Logger(ctx).With("job_id", jobID)

	q, err := parseASRQuery(r.URL.Query())
	if err != nil {
		s.fail(w, r, endpoint, log, err)
		return
	}

	samples, filename, err := s.readUpload(w, r, q.encode)
	if err != nil {
		s.fail(w, r, endpoint, log, err)
		return
	}
	log.Debug("upload decoded", "file", filename, "samples", len(samples), "task", q.task, "language", q.language)

	start := time.Now()
	result, err := s.engine.Transcribe(ctx, samples, asr.TranscribeOptions{Language: q.language, Task: q.task})
	s.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds(),
		metricAttrs(observe.Attr("engine", s.engine.Name()), observe.Attr("task", string(q.task))))
	if err != nil {
		s.fail(w, r, endpoint, log, err)
		return
	}

	enc := writer.For(q.format)
	var buf bytes.Buffer
	if err := enc.Write(&buf, result, s.writerOpts); err != nil {
		s.fail(w, r, endpoint, log, err)
		return
	}

	w.Header().Set("Content-Type", enc.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, url.PathEscape(filename), enc.Extension()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Warn("write response", "err", err)
	}
	s.metrics.RecordRequest(ctx, endpoint, strconv.Itoa(http.StatusOK))
	log.Info("transcription complete", "file", filename, "format", q.format, "language", result.Language, "segments", len(result.Segments))
}

// detectResponse is the JSON body of POST /detect-language.
type detectResponse struct {
	DetectedLanguage string  `json:"detected_language"`
	LanguageCode     string  `json:"language_code"`
	Confidence       float64 `json:"confidence"`
}

// handleDetectLanguage handles POST /detect-language.
func (s *Server) handleDetectLanguage(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/detect-language"
	ctx := r.Context()
	jobID := xid.New().String()
	w.Header().Set("Asr-Engine", s.engine.Name())
	w.Header().Set("Asr-Job-Id", jobID)
	log := observe.Logger(ctx).With("job_id", jobID)

	encode, err := parseEncode(r.URL.Query())
	if err != nil {
		s.fail(w, r, endpoint, log, err)
		return
	}
	samples, _, err := s.readUpload(w, r, encode)
	if err != nil {
		s.fail(w, r, endpoint, log, err)
		return
	}

	start := time.Now()
	code, confidence, err := s.engine.DetectLanguage(ctx, samples)
	s.metrics.DetectLanguageDuration.Record(ctx, time.Since(start).Seconds(),
		metricAttrs(observe.Attr("engine", s.engine.Name())))
	if err != nil {
		s.fail(w, r, endpoint, log, err)
		return
	}

	writeJSON(w, http.StatusOK, detectResponse{
		DetectedLanguage: asr.LanguageName(code),
		LanguageCode:     code,
		Confidence:       confidence,
	})
	s.metrics.RecordRequest(ctx, endpoint, strconv.Itoa(http.StatusOK))
	log.Info("language detected", "language", code)
}

// readUpload extracts the audio_file part and decodes it. It returns the
// samples and the uploaded file name.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, encode bool) ([]float32, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: multipart field %q: %w", errBadRequest, uploadField, err)
	}
	defer file.Close()

	dec, name := s.encoded, "ffmpeg"
	if !encode {
		dec, name = s.raw, "pcm"
	}

	start := time.Now()
	samples, err := dec.Decode(r.Context(), file)
	s.metrics.DecodeDuration.Record(r.Context(), time.Since(start).Seconds(),
		metricAttrs(observe.Attr("decoder", name)))
	if err != nil {
		if !errors.Is(err, audio.ErrDecode) {
			err = fmt.Errorf("%w: %w", audio.ErrDecode, err)
		}
		return nil, "", err
	}
	return samples, uploadName(header.Filename), nil
}

// uploadName returns the base name of a client-supplied file name.
func uploadName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return "audio"
	}
	return name
}

// fail writes the JSON error body for err and records it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, endpoint string, log *slog.Logger, err error) {
	status, kind := classify(err)
	ctx := r.Context()
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "endpoint", endpoint, "kind", kind, "err", err)
	} else {
		log.Info("request rejected", "endpoint", endpoint, "kind", kind, "err", err)
	}
	s.metrics.RecordError(ctx, kind)
	s.metrics.RecordRequest(ctx, endpoint, strconv.Itoa(status))
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
}

// handleDocs serves a short usage page.
func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	var b strings.Builder
	fmt.Fprintf(&b, "voxscribe speech recognition service (engine: %s)\n\n", s.engine.Name())
	b.WriteString("POST /asr\n")
	b.WriteString("  multipart field: audio_file\n")
	b.WriteString("  query: encode=true|false  task=transcribe|translate\n")
	b.WriteString("         language=<code>|auto  output=txt|vtt|srt|tsv|json\n")
	b.WriteString("POST /detect-language\n")
	b.WriteString("  multipart field: audio_file\n")
	b.WriteString("  query: encode=true|false\n")
	b.WriteString("GET /healthz  GET /readyz  GET /metrics\n\n")
	b.WriteString("Languages:\n")
	for _, code := range asr.LanguageCodes() {
		fmt.Fprintf(&b, "  %-4s %s\n", code, asr.LanguageName(code))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

