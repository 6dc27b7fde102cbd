package abi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleABI = `[{"inputs":[{"internalType":"address","name":"player","type":"address"}],"name":"totalScoreOfPlayer","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

func TestLoad_FallbackWhenNoPath(t *testing.T) {
	parsed, err := Load("", sampleABI)
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, "totalScoreOfPlayer")
}

func TestLoad_HardhatArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Ledger.json")
	artifact := `{"_format":"hh-sol-artifact-1","contractName":"Ledger","sourceName":"contracts/Ledger.sol","abi":` + sampleABI + `}`
	require.NoError(t, os.WriteFile(path, []byte(artifact), 0o644))

	parsed, err := Load(path, "")
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, "totalScoreOfPlayer")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), "")
	require.Error(t, err)

	_, err = Parse([]byte("not json"))
	require.Error(t, err)
}

func TestRequire(t *testing.T) {
	parsed, err := Parse([]byte(sampleABI))
	require.NoError(t, err)

	assert.NoError(t, Require(parsed, []string{"totalScoreOfPlayer"}, nil))
	assert.Error(t, Require(parsed, []string{"recordHand"}, nil))
	assert.Error(t, Require(parsed, nil, []string{"HandRecorded"}))
}
