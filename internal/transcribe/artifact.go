package transcribe

import (
	"encoding/json"
	"os"
)

func marshalArtifact(a Artifact) ([]byte, error) {
	if a.Segments == nil {
		a.Segments = []SubSegment{}
	}
	return json.MarshalIndent(a, "", "  ")
}

func removeFile(path string) error {
	return os.Remove(path)
}
