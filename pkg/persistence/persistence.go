// Package persistence stores finished run results as JSON files or MongoDB
// documents.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	datamodels "github.com/andrej220/saltstep/pkg/shared-models"
)

const (
	Indent = "    "
	Prefix = ""
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// WriteJSONToFile marshals data with serializer and hands it to writer.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}

	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteJSON writes data as indented JSON, replacing any existing file.
func WriteJSON(data any, filename string) error {
	return WriteJSONToFile(data, filename, JSONSerializer{Prefix: Prefix, Indent: Indent}, FileWriter{Overwrite: true})
}

// ResultStore keeps the outcome of worker runs.
type ResultStore interface {
	Save(ctx context.Context, resp datamodels.RunResponse) error
}

// FileResultStore writes one <request id>.json per run into Dir.
type FileResultStore struct {
	Dir string
}

var _ ResultStore = FileResultStore{}

func (s FileResultStore) Path(id uuid.UUID) string {
	return filepath.Join(s.Dir, id.String()+".json")
}

func (s FileResultStore) Save(_ context.Context, resp datamodels.RunResponse) error {
	return WriteJSON(resp, s.Path(resp.RequestID))
}

// MongoResultStore upserts one document per run, keyed by request id, so a
// redelivered request overwrites its earlier result.
type MongoResultStore struct {
	Collection *mongo.Collection
}

var _ ResultStore = MongoResultStore{}

func (s MongoResultStore) Save(ctx context.Context, resp datamodels.RunResponse) error {
	_, err := s.Collection.ReplaceOne(ctx,
		bson.M{"_id": resp.RequestID},
		resp,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save result %s: %w", resp.RequestID, err)
	}
	return nil
}
