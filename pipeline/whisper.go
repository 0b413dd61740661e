package pipeline

import (
	"bytes"
	"encoding/json"
	"math"
	"mime/multipart"
	"net/http"
	"time"

	"murmur/log"
)

const (
	defaultSTTURL   = "https://api.groq.com/openai/v1/audio/transcriptions"
	defaultSTTModel = "whisper-large-v3-turbo"
)

// WhisperClient runs step A against a Whisper-compatible transcription
// endpoint. The artifact is posted as FLAC.
type WhisperClient struct {
	apiURL string
	apiKey string
	model  string
	client *http.Client
}

func NewWhisper(apiKey string) *WhisperClient {
	return &WhisperClient{
		apiURL: defaultSTTURL,
		apiKey: apiKey,
		model:  defaultSTTModel,
		client: newHTTPClient(),
	}
}

// NewWhisperAt points the client at a different compatible endpoint.
func NewWhisperAt(apiURL, apiKey, model string) *WhisperClient {
	c := NewWhisper(apiKey)
	if apiURL != "" {
		c.apiURL = apiURL
	}
	if model != "" {
		c.model = model
	}
	return c
}

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		AvgLogProb   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (w *WhisperClient) Transcribe(audio []byte, languageHint string) (Transcription, error) {
	if len(audio) == 0 {
		return Transcription{}, &Error{Kind: FailEmptyAudio, Detail: "no audio to transcribe"}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.flac")
	if err != nil {
		return Transcription{}, networkError(err)
	}
	if _, err := part.Write(audio); err != nil {
		return Transcription{}, networkError(err)
	}
	writer.WriteField("model", w.model)
	writer.WriteField("response_format", "verbose_json")
	if languageHint != "" {
		writer.WriteField("language", languageHint)
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, w.apiURL, &body)
	if err != nil {
		return Transcription{}, networkError(err)
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		log.PipelineCall("stt", float64(time.Since(start).Milliseconds()), false)
		return Transcription{}, networkError(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	log.PipelineCall("stt", float64(time.Since(start).Milliseconds()), resp.StatusCode == http.StatusOK)

	if resp.StatusCode != http.StatusOK {
		return Transcription{}, classifyStatus(resp.StatusCode, buf.Bytes())
	}

	var wr whisperResponse
	if err := json.Unmarshal(buf.Bytes(), &wr); err != nil {
		return Transcription{}, &Error{Kind: FailBadResponse, Detail: "transcription response parse error"}
	}

	return Transcription{
		Text:       wr.Text,
		Language:   wr.Language,
		Confidence: confidenceFromSegments(wr),
	}, nil
}

// confidenceFromSegments folds Whisper's per-segment log-probabilities into a
// single 0..1 figure.
func confidenceFromSegments(wr whisperResponse) float64 {
	if len(wr.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range wr.Segments {
		sum += s.AvgLogProb
	}
	return math.Exp(sum / float64(len(wr.Segments)))
}
