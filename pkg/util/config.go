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

import "os"

type Config struct {
	Stress struct {
		Pages      int
		Workers    int
		Ops        int
		Fillfactor int
		Seed       int64
		// fraction of lock acquisitions that also block reads
		WriteRatio float64
	}
}

func FileIsValid(fpath string) bool {
	info, err := os.Stat(fpath)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
