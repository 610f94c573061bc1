package cluster

import (
	"encoding/json"

	"go.yaml.in/yaml/v3"
)

// Codec serializes and deserializes the backlog's ordered job sequence. The
// persistence format of the backlog file is specified (an ordered sequence
// of Job); the codec is pluggable, as in the original cluster master's use
// of a swappable pickle protocol.
type Codec interface {
	Encode(jobs []Job) ([]byte, error)
	Decode(data []byte) ([]Job, error)
}

// YAMLCodec is the default, human-readable state file codec.
type YAMLCodec struct{}

func (YAMLCodec) Encode(jobs []Job) ([]byte, error) { return yaml.Marshal(jobs) }

func (YAMLCodec) Decode(data []byte) ([]Job, error) {
	var jobs []Job
	if len(data) == 0 {
		return jobs, nil
	}
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// JSONCodec is an alternate codec that writes the job sequence as a single
// indented JSON array, for operators who prefer JSON tooling such as jq.
type JSONCodec struct{}

func (JSONCodec) Encode(jobs []Job) ([]byte, error) {
	return json.MarshalIndent(jobs, "", "  ")
}

func (JSONCodec) Decode(data []byte) ([]Job, error) {
	var jobs []Job
	if len(data) == 0 {
		return jobs, nil
	}
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}
