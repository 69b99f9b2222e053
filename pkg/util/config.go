// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"github.com/BurntSushi/toml"
)

type PolicyOptions struct {
	EmitMemoryLimit     int64 `tag:"emitMemoryLimit"`
	InitialHashCapacity int   `tag:"initialHashCapacity"`
	ArenaBlockSize      int   `tag:"arenaBlockSize"`
}

type BenchData struct {
	Path   string `tag:"path"`
	Format string `tag:"format"`
	Column int    `tag:"column"`
}

type BenchOptions struct {
	Rows        int       `tag:"rows"`
	BatchRows   int       `tag:"batchRows"`
	Groups      int       `tag:"groups"`
	Workers     int       `tag:"workers"`
	PrintResult bool      `tag:"printResult"`
	PrintPlan   bool      `tag:"printPlan"`
	Data        BenchData `tag:"data"`
}

type Config struct {
	Policy PolicyOptions `tag:"policy"`
	Bench  BenchOptions  `tag:"bench"`
}

func LoadConfig(path string) (*Config, error) {
	conf := &Config{}
	_, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, err
	}
	return conf, nil
}
