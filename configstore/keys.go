// Copyright 2021-2022 The cfgpoll Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configstore holds configuration content and the watch key / probe wire formats
// long polling clients use to refer to it.
package configstore

import (
	"fmt"
	"strings"
)

// DefaultGroup group assumed when a REST caller names none
const DefaultGroup = "DEFAULT_GROUP"

const (
	// wordSeparator separates the fields of one probe / result entry
	wordSeparator = "\x02"
	// lineSeparator terminates one probe / result entry
	lineSeparator = "\x01"
	// keySeparator separates the parts of a watch key
	keySeparator = "+"
)

// escapeKeyPart escape the characters with special meaning inside a watch key
func escapeKeyPart(part string, sb *strings.Builder) {
	for _, c := range part {
		switch c {
		case '+':
			sb.WriteString("%2B")
		case '%':
			sb.WriteString("%25")
		default:
			sb.WriteRune(c)
		}
	}
}

// unescapeKeyPart reverse escapeKeyPart
func unescapeKeyPart(part string) (string, error) {
	if !strings.Contains(part, "%") {
		return part, nil
	}
	var sb strings.Builder
	for idx := 0; idx < len(part); idx++ {
		if part[idx] != '%' {
			sb.WriteByte(part[idx])
			continue
		}
		if idx+2 >= len(part) {
			return "", fmt.Errorf("truncated escape in watch key part '%s'", part)
		}
		switch part[idx+1 : idx+3] {
		case "2B":
			sb.WriteByte('+')
		case "25":
			sb.WriteByte('%')
		default:
			return "", fmt.Errorf("unknown escape '%s' in watch key part '%s'", part[idx:idx+3], part)
		}
		idx += 2
	}
	return sb.String(), nil
}

// WatchKey compose the watch key of one configuration unit. The tenant is optional.
func WatchKey(dataID, group, tenant string) string {
	var sb strings.Builder
	escapeKeyPart(dataID, &sb)
	sb.WriteString(keySeparator)
	escapeKeyPart(group, &sb)
	if len(tenant) > 0 {
		sb.WriteString(keySeparator)
		escapeKeyPart(tenant, &sb)
	}
	return sb.String()
}

// ParseWatchKey split a watch key into data ID, group, and tenant
func ParseWatchKey(key string) (dataID, group, tenant string, err error) {
	parts := strings.Split(key, keySeparator)
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", fmt.Errorf("invalid watch key '%s'", key)
	}
	decoded := make([]string, 3)
	for idx, part := range parts {
		if decoded[idx], err = unescapeKeyPart(part); err != nil {
			return "", "", "", err
		}
	}
	if decoded[0] == "" || decoded[1] == "" {
		return "", "", "", fmt.Errorf("watch key '%s' missing data ID or group", key)
	}
	return decoded[0], decoded[1], decoded[2], nil
}
