package model

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// ContentID returns the normalized content identifier for an mxc:// URI.
// The identifier is derived from the protocol reference, not from bytes.
func ContentID(uri string) (string, error) {
	parsed, err := id.ParseContentURI(uri)
	if err != nil {
		return "", fmt.Errorf("content id: %w", err)
	}
	if parsed.IsEmpty() {
		return "", fmt.Errorf("content id: empty content uri %q", uri)
	}
	return parsed.String(), nil
}

// fields is a JSON object whose members are decoded on demand. A member with
// an unexpected type reads as absent.
type fields map[string]json.RawMessage

func (f fields) str(key string) string {
	var s string
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

func (f fields) number(key string) int64 {
	var n json.Number
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &n) == nil {
		if v, err := n.Int64(); err == nil {
			return v
		}
	}
	return 0
}

func (f fields) object(key string) fields {
	var obj fields
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &obj) == nil {
		return obj
	}
	return nil
}

type eventEnvelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// ExtractMediaRefs returns the attachment references in an event payload.
//
// Covered: message attachments (plain and encrypted) and their thumbnails,
// stickers, room avatars and member avatars. References that do not parse as
// mxc:// URIs are skipped. The result is deduplicated by content ID.
func ExtractMediaRefs(ev Event) []MediaRef {
	var env eventEnvelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil || len(env.Content) == 0 {
		return nil
	}
	var content fields
	if err := json.Unmarshal(env.Content, &content); err != nil {
		return nil
	}

	var refs []MediaRef
	seen := make(map[string]bool)
	add := func(uri string, info fields, thumb, encrypted bool) {
		cid, err := ContentID(uri)
		if err != nil || seen[cid] {
			return
		}
		seen[cid] = true
		refs = append(refs, MediaRef{
			ContentID:    cid,
			RoomID:       ev.RoomID,
			EventID:      ev.ID,
			DeclaredType: info.str("mimetype"),
			DeclaredSize: info.number("size"),
			Thumbnail:    thumb,
			Encrypted:    encrypted,
		})
	}

	info := content.object("info")
	if uri := content.str("url"); uri != "" {
		add(uri, info, false, false)
	}
	if uri := content.object("file").str("url"); uri != "" {
		add(uri, info, false, true)
	}
	if uri := content.str("avatar_url"); uri != "" && env.Type == "m.room.member" {
		add(uri, nil, false, false)
	}
	thumbInfo := info.object("thumbnail_info")
	if uri := info.str("thumbnail_url"); uri != "" {
		add(uri, thumbInfo, true, false)
	}
	if uri := info.object("thumbnail_file").str("url"); uri != "" {
		add(uri, thumbInfo, true, true)
	}
	return refs
}
