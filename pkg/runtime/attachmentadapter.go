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

package runtime

import (
	"context"
	"os"

	"github.com/zby/agentrt/pkg/agentrunner"
	"github.com/zby/agentrt/pkg/callframe"
	"github.com/zby/agentrt/pkg/toolset/attachments"
)

// attachmentAdapter satisfies agentrunner.AttachmentResolver by wrapping
// attachments.Resolver, which pkg/toolset/attachments defines as a bare
// Resolve(ctx, Ref) (Part, error) type with no toolset.Capability of its
// own — it never registers tools, so it is never a builtins entry and is
// wired here as the one direct caller instead.
type attachmentAdapter struct {
	resolver *attachments.Resolver
}

func newAttachmentAdapter(r *attachments.Resolver) agentrunner.AttachmentResolver {
	return &attachmentAdapter{resolver: r}
}

func (a *attachmentAdapter) ResolveAttachment(ctx context.Context, ref string) (callframe.Message, error) {
	part, err := a.resolver.Resolve(ctx, attachments.Ref{Path: ref})
	if err != nil {
		return nil, err
	}
	return callframe.Message(part), nil
}

func readFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
