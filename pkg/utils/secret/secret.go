/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package secret reads provider credentials from mounted secret files.
package secret

import (
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const defaultTTL = time.Minute

// Reader reads secrets from files on disk, caching results so providers do
// not hit the filesystem on every external call. Rotated secrets are picked
// up within the cache TTL.
type Reader struct {
	cache *cache.Cache
}

type entry struct {
	value string
	ok    bool
}

// NewReader returns a Reader with a one minute cache TTL.
func NewReader() *Reader {
	return &Reader{cache: cache.New(defaultTTL, 5*time.Minute)}
}

// Read returns the trimmed contents of the secret file at path. The second
// return value is false when the file is missing or empty.
func (r *Reader) Read(path string) (string, bool) {
	if cached, found := r.cache.Get(path); found {
		e := cached.(entry)
		return e.value, e.ok
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		r.cache.SetDefault(path, entry{})
		return "", false
	}
	val := strings.TrimSpace(string(raw))
	e := entry{value: val, ok: val != ""}
	r.cache.SetDefault(path, e)
	return e.value, e.ok
}
