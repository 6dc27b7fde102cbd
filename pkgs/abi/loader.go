package abi

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	log "github.com/sirupsen/logrus"
)

// HardhatArtifact represents a Hardhat compilation artifact
type HardhatArtifact struct {
	Format       string          `json:"_format"`
	ContractName string          `json:"contractName"`
	SourceName   string          `json:"sourceName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode,omitempty"`
}

// Load returns the ABI at path, or parses fallback when path is empty.
// Supports both raw ABI JSON files and Hardhat artifact files.
func Load(path, fallback string) (abi.ABI, error) {
	if path == "" {
		return Parse([]byte(fallback))
	}

	log.WithField("path", path).Debug("Loading ABI file")

	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to read ABI file %s: %w", path, err)
	}

	parsed, err := Parse(data)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("%s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"path":    path,
		"methods": len(parsed.Methods),
		"events":  len(parsed.Events),
	}).Debug("Successfully loaded ABI")

	return parsed, nil
}

// Parse accepts raw ABI JSON or a Hardhat artifact
func Parse(data []byte) (abi.ABI, error) {
	var artifact HardhatArtifact
	if err := json.Unmarshal(data, &artifact); err == nil && artifact.Format != "" {
		log.WithFields(log.Fields{
			"contractName": artifact.ContractName,
			"format":       artifact.Format,
		}).Debug("Detected Hardhat artifact, extracting ABI")

		parsed, err := abi.JSON(strings.NewReader(string(artifact.ABI)))
		if err != nil {
			return abi.ABI{}, fmt.Errorf("failed to parse ABI from Hardhat artifact: %w", err)
		}
		return parsed, nil
	}

	parsed, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI (not a Hardhat artifact or valid ABI): %w", err)
	}
	return parsed, nil
}

// Require checks that every named method and event is present
func Require(parsed abi.ABI, methods, events []string) error {
	for _, m := range methods {
		if _, ok := parsed.Methods[m]; !ok {
			return fmt.Errorf("ABI is missing method %s", m)
		}
	}
	for _, e := range events {
		if _, ok := parsed.Events[e]; !ok {
			return fmt.Errorf("ABI is missing event %s", e)
		}
	}
	return nil
}
