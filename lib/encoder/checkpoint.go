// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package encoder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic/decoder"
	jsonenc "github.com/bytedance/sonic/encoder"
	"github.com/golang/snappy"
)

// Checkpoint file names.
const (
	ModelFile  = "model.bin"
	ConfigFile = "config.json"
)

const (
	checkpointMagic   = "UDNR"
	checkpointVersion = 1
	maxTensorSize     = 1 << 30
	maxNameLength     = 1 << 10
)

// CheckpointMeta is the JSON snapshot saved next to the parameters.
type CheckpointMeta struct {
	Model   ModelConfig `json:"model"`
	Labels  []string    `json:"labels"`
	RunID   string      `json:"run_id"`
	Epoch   int         `json:"epoch"`
	F1      float64     `json:"f1"`
	SavedAt time.Time   `json:"saved_at"`
}

// SaveCheckpoint writes params and meta into dir, replacing any previous
// checkpoint.
func SaveCheckpoint(dir string, params []*Param, meta CheckpointMeta) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, ModelFile), func(w io.Writer) error {
		return writeParams(w, params)
	}); err != nil {
		return fmt.Errorf("writing %s: %w", ModelFile, err)
	}
	if err := writeAtomic(filepath.Join(dir, ConfigFile), func(w io.Writer) error {
		return jsonenc.NewStreamEncoder(w).Encode(meta)
	}); err != nil {
		return fmt.Errorf("writing %s: %w", ConfigFile, err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(dir string) (*CheckpointMeta, map[string][]float32, error) {
	cf, err := os.Open(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, nil, fmt.Errorf("opening checkpoint config: %w", err)
	}
	defer func() { _ = cf.Close() }()

	var meta CheckpointMeta
	if err := decoder.NewStreamDecoder(cf).Decode(&meta); err != nil {
		return nil, nil, fmt.Errorf("decoding checkpoint config: %w", err)
	}

	mf, err := os.Open(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, nil, fmt.Errorf("opening checkpoint parameters: %w", err)
	}
	defer func() { _ = mf.Close() }()

	values, err := readParams(mf)
	if err != nil {
		return nil, nil, fmt.Errorf("reading checkpoint parameters: %w", err)
	}
	return &meta, values, nil
}

// LoadWindowTagger restores a WindowTagger checkpoint.
func LoadWindowTagger(dir string) (*WindowTagger, *CheckpointMeta, error) {
	meta, values, err := LoadCheckpoint(dir)
	if err != nil {
		return nil, nil, err
	}
	if meta.Model.Architecture != ArchitectureWindowTagger {
		return nil, nil, fmt.Errorf("checkpoint architecture %q is not %q",
			meta.Model.Architecture, ArchitectureWindowTagger)
	}
	m, err := NewWindowTagger(meta.Model)
	if err != nil {
		return nil, nil, err
	}
	if err := m.LoadParameters(values); err != nil {
		return nil, nil, err
	}
	return m, meta, nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeParams(w io.Writer, params []*Param) error {
	sw := snappy.NewBufferedWriter(w)
	if _, err := io.WriteString(sw, checkpointMagic); err != nil {
		return err
	}
	header := []uint32{checkpointVersion, uint32(len(params))}
	if err := binary.Write(sw, binary.LittleEndian, header); err != nil {
		return err
	}
	for _, p := range params {
		if err := binary.Write(sw, binary.LittleEndian, uint32(len(p.Name))); err != nil {
			return err
		}
		if _, err := io.WriteString(sw, p.Name); err != nil {
			return err
		}
		if err := binary.Write(sw, binary.LittleEndian, uint32(len(p.Data))); err != nil {
			return err
		}
		if err := binary.Write(sw, binary.LittleEndian, p.Data); err != nil {
			return err
		}
	}
	return sw.Close()
}

func readParams(r io.Reader) (map[string][]float32, error) {
	sr := bufio.NewReader(snappy.NewReader(r))

	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(sr, magic); err != nil {
		return nil, err
	}
	if string(magic) != checkpointMagic {
		return nil, errors.New("not a checkpoint file")
	}
	var header [2]uint32
	if err := binary.Read(sr, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header[0] != checkpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", header[0])
	}

	values := make(map[string][]float32, header[1])
	for range header[1] {
		var n uint32
		if err := binary.Read(sr, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		if n > maxNameLength {
			return nil, fmt.Errorf("parameter name length %d too large", n)
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(sr, name); err != nil {
			return nil, err
		}
		if err := binary.Read(sr, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		if n > maxTensorSize {
			return nil, fmt.Errorf("parameter %s size %d too large", name, n)
		}
		data := make([]float32, n)
		if err := binary.Read(sr, binary.LittleEndian, data); err != nil {
			return nil, err
		}
		values[string(name)] = data
	}
	return values, nil
}
