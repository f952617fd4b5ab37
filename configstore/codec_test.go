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

package configstore

import (
	"fmt"
	"net/url"
	"strings"
)

// Client side of the listener wire format

// encodeListeningConfigs build a listener probe from watch key -> client fingerprint
func encodeListeningConfigs(watches map[string]string) (string, error) {
	var sb strings.Builder
	for key, fingerprint := range watches {
		dataID, group, tenant, err := ParseWatchKey(key)
		if err != nil {
			return "", err
		}
		sb.WriteString(dataID)
		sb.WriteString(wordSeparator)
		sb.WriteString(group)
		sb.WriteString(wordSeparator)
		sb.WriteString(fingerprint)
		if len(tenant) > 0 {
			sb.WriteString(wordSeparator)
			sb.WriteString(tenant)
		}
		sb.WriteString(lineSeparator)
	}
	return sb.String(), nil
}

// decodeChangedKeys reverse EncodeChangedKeys
func decodeChangedKeys(encoded string) ([]string, error) {
	encoded = strings.TrimSpace(encoded)
	if len(encoded) == 0 {
		return []string{}, nil
	}
	raw, err := url.QueryUnescape(encoded)
	if err != nil {
		return nil, err
	}
	result := []string{}
	for _, entry := range strings.Split(raw, lineSeparator) {
		if len(entry) == 0 {
			continue
		}
		fields := strings.Split(entry, wordSeparator)
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("invalid changed key entry '%q'", entry)
		}
		tenant := ""
		if len(fields) == 3 {
			tenant = fields[2]
		}
		result = append(result, WatchKey(fields[0], fields[1], tenant))
	}
	return result, nil
}
