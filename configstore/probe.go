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

// ParseListeningConfigs parse a listener probe into watch key -> client fingerprint
//
// The probe is a sequence of "dataId^2group^2fingerprint[^2tenant]^1" entries, where
// ^1 is 0x01 and ^2 is 0x02.
func ParseListeningConfigs(probe string) (map[string]string, error) {
	result := map[string]string{}
	if len(probe) == 0 {
		return result, nil
	}
	for _, entry := range strings.Split(probe, lineSeparator) {
		if len(entry) == 0 {
			continue
		}
		fields := strings.Split(entry, wordSeparator)
		if len(fields) < 3 || len(fields) > 4 {
			return nil, fmt.Errorf("invalid listener probe entry '%q'", entry)
		}
		if fields[0] == "" || fields[1] == "" {
			return nil, fmt.Errorf("listener probe entry '%q' missing data ID or group", entry)
		}
		tenant := ""
		if len(fields) == 4 {
			tenant = fields[3]
		}
		result[WatchKey(fields[0], fields[1], tenant)] = fields[2]
	}
	return result, nil
}

// EncodeChangedKeys serialize the changed watch keys reported to a long polling client
//
// Each key becomes "dataId^2group[^2tenant]^1"; the whole string is then query escaped.
// Keys which can not be parsed are skipped.
func EncodeChangedKeys(changed []string) string {
	if len(changed) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, key := range changed {
		dataID, group, tenant, err := ParseWatchKey(key)
		if err != nil {
			continue
		}
		sb.WriteString(dataID)
		sb.WriteString(wordSeparator)
		sb.WriteString(group)
		if len(tenant) > 0 {
			sb.WriteString(wordSeparator)
			sb.WriteString(tenant)
		}
		sb.WriteString(lineSeparator)
	}
	return url.QueryEscape(sb.String())
}
