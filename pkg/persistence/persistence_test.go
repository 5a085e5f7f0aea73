package persistence_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/andrej220/saltstep/pkg/orchestrator"
	"github.com/andrej220/saltstep/pkg/persistence"
	datamodels "github.com/andrej220/saltstep/pkg/shared-models"
)

const sampleJSON = "{\n    \"key\": \"value\"\n}"

type MockSerializer struct {
	Bytes []byte
	Err   error
}

func (s MockSerializer) Marshal(data any) ([]byte, error) {
	return s.Bytes, s.Err
}

type MockWriter struct {
	Data map[string][]byte
	Err  error
}

func (w *MockWriter) Write(filename string, data []byte) error {
	if w.Data == nil {
		w.Data = make(map[string][]byte)
	}
	w.Data[filename] = data
	return w.Err
}

func TestWriteJSONToFile(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		serializer  persistence.Serializer
		writer      persistence.Writer
		expectedErr bool
	}{
		{
			name:       "valid input",
			filename:   filepath.Join(t.TempDir(), "output.json"),
			serializer: MockSerializer{Bytes: []byte(sampleJSON)},
			writer:     &MockWriter{},
		},
		{
			name:        "empty filename",
			filename:    "",
			serializer:  MockSerializer{Bytes: []byte(sampleJSON)},
			writer:      &MockWriter{},
			expectedErr: true,
		},
		{
			name:        "serializer error",
			filename:    "test.json",
			serializer:  MockSerializer{Err: fmt.Errorf("serialization failed")},
			writer:      &MockWriter{},
			expectedErr: true,
		},
		{
			name:        "writer error",
			filename:    "test.json",
			serializer:  MockSerializer{Bytes: []byte(sampleJSON)},
			writer:      &MockWriter{Err: fmt.Errorf("write failed")},
			expectedErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := persistence.WriteJSONToFile(map[string]string{"key": "value"}, tt.filename, tt.serializer, tt.writer)
			if tt.expectedErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			if writer, ok := tt.writer.(*MockWriter); ok {
				assert.Equal(t, sampleJSON, string(writer.Data[tt.filename]))
			}
		})
	}
}

func TestFileWriterOverwrite(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "a", "b.json")
	require.NoError(t, persistence.WriteJSON(map[string]string{"key": "value"}, filename))

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, sampleJSON, string(data))

	err = persistence.FileWriter{Overwrite: false}.Write(filename, []byte("{}"))
	assert.ErrorIs(t, err, os.ErrExist)
}

func sampleResponse() datamodels.RunResponse {
	code := 0
	return datamodels.RunResponse{
		RequestID: uuid.New(),
		Result: &orchestrator.Result{
			RunID:    "r1",
			Target:   "web01",
			Function: "test.ping",
			JID:      "20240101000000000000",
			ExitCode: &code,
			Stdout:   []string{"True"},
		},
	}
}

func TestFileResultStore(t *testing.T) {
	store := persistence.FileResultStore{Dir: t.TempDir()}
	resp := sampleResponse()
	require.NoError(t, store.Save(context.Background(), resp))

	data, err := os.ReadFile(store.Path(resp.RequestID))
	require.NoError(t, err)
	var got datamodels.RunResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, resp, got)
}

func TestMongoResultStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("upsert", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		err := persistence.MongoResultStore{Collection: mt.Coll}.Save(context.Background(), sampleResponse())
		assert.NoError(mt, err)
	})

	mt.Run("write error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))
		err := persistence.MongoResultStore{Collection: mt.Coll}.Save(context.Background(), sampleResponse())
		assert.Error(mt, err)
	})
}
