package helpers

import (
	"fmt"
	"os"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// DeleteDataFile deletes a file, treating a missing file as already deleted
func DeleteDataFile(filePath string) error {
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string, logger *zap.SugaredLogger) bool {
	info, err := os.Stat(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}

		if logger != nil {
			logger.Infof("Error checking file %s for existence: %s", filename, err)
		}
		return false
	}

	return !info.IsDir()
}

// EncodeBSON marshals a struct or map into a BSON document
func EncodeBSON(value interface{}) ([]byte, error) {
	bsonData, err := bson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("error encoding BSON: %w", err)
	}
	return bsonData, nil
}

// DecodeBSON unmarshals a BSON document into out
func DecodeBSON(bsonData []byte, out interface{}) error {
	if err := bson.Unmarshal(bsonData, out); err != nil {
		return fmt.Errorf("error decoding BSON: %w", err)
	}
	return nil
}
