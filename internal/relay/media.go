package relay

import (
	kit "interflow/internal/transport"
)

// MediaToggles selects which attachment kinds cross pool boundaries.
// Images are forwarded out of the box; everything else is opt-in.
type MediaToggles struct {
	Image bool
	File  bool
	Video bool
	Voice bool
}

func DefaultMediaToggles() MediaToggles {
	return MediaToggles{Image: true}
}

func (t MediaToggles) allows(kind kit.AttachmentKind) bool {
	switch kind {
	case kit.AttachmentImage:
		return t.Image
	case kit.AttachmentFile:
		return t.File
	case kit.AttachmentVideo:
		return t.Video
	case kit.AttachmentVoice:
		return t.Voice
	default:
		return false
	}
}

// selectMedia filters msg attachments down to the forwardable set, keeping
// input order. Unknown kinds are dropped. Images collapse to a single
// reference, preferring the remote URL over a local path; an image with
// neither is dropped, as is any attachment with no reference at all.
//
// This runs once per message; every pool shares the result.
func selectMedia(in []kit.Attachment, t MediaToggles) []kit.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]kit.Attachment, 0, len(in))
	for _, a := range in {
		if !t.allows(a.Kind) {
			continue
		}
		if a.Kind == kit.AttachmentImage {
			switch {
			case a.URL != "":
				out = append(out, kit.Attachment{Kind: a.Kind, URL: a.URL, Name: a.Name})
			case a.Path != "":
				out = append(out, kit.Attachment{Kind: a.Kind, Path: a.Path, Name: a.Name})
			}
			continue
		}
		if a.URL == "" && a.Path == "" {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
