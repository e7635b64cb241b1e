// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreos/go-semver/semver"
	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/toitware/ubjson"
)

const componentsCacheFile = "components.ubjson"

type wireComponent struct {
	Name    string                 `json:"name"`
	Version []int                  `json:"version"`
	Fields  map[string]interface{} `json:"fields"`
}

func decodeComponents(data []byte) ([]link.Component, error) {
	var wire []wireComponent
	if err := ubjson.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	res := make([]link.Component, 0, len(wire))
	for _, w := range wire {
		if w.Name == "" {
			return nil, fmt.Errorf("%w: component without a name", ErrBadReply)
		}
		var v [3]int64
		for i := 0; i < len(w.Version) && i < len(v); i++ {
			v[i] = int64(w.Version[i])
		}
		res = append(res, link.Component{
			Name:    w.Name,
			Version: semver.Version{Major: v[0], Minor: v[1], Patch: v[2]},
			Fields:  w.Fields,
		})
	}
	return res, nil
}

func encodeComponents(components []link.Component) ([]byte, error) {
	wire := make([]wireComponent, 0, len(components))
	for _, c := range components {
		wire = append(wire, wireComponent{
			Name:    c.Name,
			Version: []int{int(c.Version.Major), int(c.Version.Minor), int(c.Version.Patch)},
			Fields:  c.Fields,
		})
	}
	return ubjson.Marshal(wire)
}

// saveComponents replaces the cached component list. The file is written
// next to its destination first so that readers never see half of it.
func saveComponents(dir string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, componentsCacheFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, componentsCacheFile))
}

// LoadCachedComponents returns the component list of the last board that
// was identified with dir as cache directory.
func LoadCachedComponents(dir string) ([]link.Component, error) {
	data, err := os.ReadFile(filepath.Join(dir, componentsCacheFile))
	if err != nil {
		return nil, err
	}
	return decodeComponents(data)
}
