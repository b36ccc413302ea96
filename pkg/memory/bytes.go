// Copyright The MemKit Authors. All Rights Reserved.
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

package memory

import (
	"fmt"
	"strconv"
	"strings"
)

// SuccinctBytes returns the given byte count as a compact human-readable
// string, for instance "4.00GB" or "512B".
func SuccinctBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + SuccinctBytes(-bytes)
	}
	if bytes < 1024 {
		return strconv.FormatInt(bytes, 10) + "B"
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	value := float64(bytes)
	for i, unit := range units {
		value /= 1024.0
		if value < 1024.0 || i == len(units)-1 {
			return fmt.Sprintf("%.2f%s", value, unit)
		}
	}

	return strconv.FormatInt(bytes, 10) + "B"
}

// capacityToString formats a capacity, reporting the absence of any limit
// as "UNLIMITED".
func capacityToString(capacity int64) string {
	if capacity == MaxMemory {
		return "UNLIMITED"
	}
	return SuccinctBytes(capacity)
}

// ParseBytes parses a human-readable byte size, for instance "35MB",
// "2097152B", or a plain number of bytes.
func ParseBytes(str string) (int64, error) {
	var multiplier int64 = 1

	s := strings.TrimSpace(str)
	switch {
	case strings.HasSuffix(s, "PB"):
		multiplier, s = 1<<50, s[:len(s)-2]
	case strings.HasSuffix(s, "TB"):
		multiplier, s = 1<<40, s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier, s = 1<<30, s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier, s = 1<<20, s[:len(s)-2]
	case strings.HasSuffix(s, "KB"):
		multiplier, s = 1<<10, s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid byte size %q", ErrInvalidConfig, str)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: negative byte size %q", ErrInvalidConfig, str)
	}

	return int64(value * float64(multiplier)), nil
}

func alignUp(size int64, alignment uint64) int64 {
	a := int64(alignment)
	if a <= 1 {
		return size
	}
	return (size + a - 1) &^ (a - 1)
}

// checkAlignment validates a configured alignment. Zero and values up to
// the minimum select the minimum alignment; larger values must be powers
// of two no greater than the maximum.
func checkAlignment(alignment uint64) (uint64, error) {
	if alignment <= MinAlignment {
		return MinAlignment, nil
	}
	if alignment > MaxAlignment || alignment&(alignment-1) != 0 {
		return 0, fmt.Errorf("%w: invalid alignment %d, must be a power of two in [%d, %d]",
			ErrInvalidConfig, alignment, MinAlignment, MaxAlignment)
	}
	return alignment, nil
}
