// Copyright 2025 Kadir Pekel
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

// Package attachments implements the internal-only Attachments toolset
// (spec §4.4): it materializes attachment references — local paths or
// URLs — into the model's multimodal message parts, exactly once.
//
// The teacher repo has no attachment concept; MIME-type-to-part-kind
// detection is grounded on the haasonsaas-nexus example repo's
// internal/gateway/normalizer.go detectAttachmentType, adapted from a
// message-normalization helper into the resolver below.
package attachments

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zby/agentrt/pkg/rterrors"
)

// Kind mirrors detectAttachmentType's category set, narrowed to what a
// multimodal message part can carry.
type Kind string

const (
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindText     Kind = "text"
	KindDocument Kind = "document"
)

// Ref is an unresolved attachment reference as supplied by a caller: a
// local filesystem path or an http(s) URL.
type Ref struct {
	Path string
}

// Part is a resolved multimodal message part ready for the model.
type Part struct {
	Kind     Kind
	MimeType string
	Data     []byte
	SourceRef string
}

// Resolver materializes Refs into Parts, enforcing the "exactly once"
// invariant (spec §4.4) via a per-instance seen-set: a second Resolve call
// for the same ref on the same Resolver returns the cached Part instead of
// re-fetching it. The runtime builds one Resolver and uses it for all of
// its runs.
type Resolver struct {
	mu       sync.Mutex
	cache    map[string]Part
	client   *http.Client
	maxBytes int64
}

// NewResolver returns a Resolver bounding any single fetch at maxBytes (0
// means unbounded).
func NewResolver(maxBytes int64) *Resolver {
	return &Resolver{
		cache:    map[string]Part{},
		client:   http.DefaultClient,
		maxBytes: maxBytes,
	}
}

// Resolve materializes one ref into a Part, fetching it only the first
// time it's seen by this Resolver instance.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (Part, error) {
	r.mu.Lock()
	if cached, ok := r.cache[ref.Path]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	var data []byte
	var mimeType string
	var err error

	if strings.HasPrefix(ref.Path, "http://") || strings.HasPrefix(ref.Path, "https://") {
		data, mimeType, err = r.fetchURL(ctx, ref.Path)
	} else {
		data, mimeType, err = r.fetchFile(ref.Path)
	}
	if err != nil {
		return Part{}, rterrors.NewAttachmentUnavailableError(ref.Path, err)
	}

	part := Part{
		Kind:      detectKind(mimeType, ref.Path),
		MimeType:  mimeType,
		Data:      data,
		SourceRef: ref.Path,
	}

	r.mu.Lock()
	r.cache[ref.Path] = part
	r.mu.Unlock()
	return part, nil
}

func (r *Resolver) fetchFile(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var reader io.Reader = f
	if r.maxBytes > 0 {
		reader = io.LimitReader(f, r.maxBytes)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func (r *Resolver) fetchURL(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if r.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, r.maxBytes)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", err
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// detectKind mirrors internal/gateway/normalizer.go's detectAttachmentType:
// MIME type first, filename extension fallback, document as the default.
func detectKind(mimeType, path string) Kind {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(mimeType, "text/"):
		return KindText
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return KindImage
	case ".mp3", ".wav", ".ogg", ".flac":
		return KindAudio
	case ".mp4", ".mov", ".webm":
		return KindVideo
	case ".txt", ".md", ".csv":
		return KindText
	}
	return KindDocument
}
