package publish

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/simplelife2010/AIM/internal/store"
)

// AudioFormat describes the PCM input an artifact was encoded from
type AudioFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Payload is the message published for one artifact
type Payload struct {
	MessageID string         `json:"messageId"`
	SentOn    int64          `json:"sentOn"`
	Metrics   PayloadMetrics `json:"metrics"`
}

// PayloadMetrics carries the artifact metadata and its base64 encoded content
type PayloadMetrics struct {
	Timestamp  int64  `json:"timestamp"`
	Path       string `json:"path"`
	Filename   string `json:"filename"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	BitDepth   int    `json:"bit_depth"`
	Container  string `json:"container"`
	Codec      string `json:"codec"`
	Size       int64  `json:"size"`
	Data       string `json:"data"`
}

// NewPayload reads the artifact from disk and builds its message
func NewPayload(a *store.Artifact, format AudioFormat, sentOn time.Time) (*Payload, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", a.Path, err)
	}

	return &Payload{
		MessageID: uuid.NewString(),
		SentOn:    sentOn.UnixMilli(),
		Metrics: PayloadMetrics{
			Timestamp:  a.Timestamp.UnixMilli(),
			Path:       a.Path,
			Filename:   a.Filename,
			Channels:   format.Channels,
			SampleRate: format.SampleRate,
			BitDepth:   format.BitDepth,
			Container:  a.Container,
			Codec:      a.Codec,
			Size:       int64(len(data)),
			Data:       base64.StdEncoding.EncodeToString(data),
		},
	}, nil
}

// Marshal returns the JSON encoding of the payload
func (p *Payload) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Topic builds <principal>/<device>/<application>/<component>
func Topic(principal, device, application, component string) string {
	return principal + "/" + device + "/" + application + "/" + component
}
