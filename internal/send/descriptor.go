package send

import (
	"fmt"

	"github.com/courierim/courier/internal/wire"
)

// DescriptorKind tags what a delayed descriptor is waiting for.
type DescriptorKind string

const (
	DescriptorPhoto      DescriptorKind = "photo"
	DescriptorVideo      DescriptorKind = "video"
	DescriptorFile       DescriptorKind = "file"
	DescriptorVoice      DescriptorKind = "voice"
	DescriptorAlbum      DescriptorKind = "album"
	DescriptorStickerSet DescriptorKind = "sticker_set"
)

// Descriptor coordinates one attachment (or one album) from preparation and
// upload through to request submission. It is created only when a send cannot
// be submitted immediately and is discarded once its request has been handed
// to the transport or its failure has propagated.
type Descriptor struct {
	Kind    DescriptorKind
	Dialog  int64
	GroupID int64

	// Exactly one of Single/Multi/Edit is non-nil; Multi only for album kind.
	Single *wire.SendMessageRequest
	Multi  *wire.SendAlbumRequest
	Edit   *wire.EditMediaRequest

	// Record for non-album kinds; Records (ordered by allocation) for albums.
	Record  *Record
	Records []*Record

	// Original local source paths and refresh parents. For albums these run
	// parallel to Records; for singles index 0 is the main asset.
	Paths   []string
	Parents []wire.ParentRef

	// FinalMarkerID is the local id of the member that completes the album.
	FinalMarkerID int64

	// PerformMediaUpload marks descriptors that still owe a file upload.
	PerformMediaUpload bool
	// RetriedToSend guards the stale-reference retry: one per send attempt.
	RetriedToSend bool

	key       string     // resource key currently registered under
	thumbPath string     // pending thumbnail upload, if any
	queued    []*request // submissions deferred until this descriptor resolves
	resolving int        // outstanding reference re-resolutions
	retry     *request   // request held back while references re-resolve
}

// members returns every record this descriptor serves.
func (d *Descriptor) members() []*Record {
	if d.Kind == DescriptorAlbum {
		return d.Records
	}
	if d.Record != nil {
		return []*Record{d.Record}
	}
	return nil
}

// lastMember returns the newest album member, or nil.
func (d *Descriptor) lastMember() *Record {
	if len(d.Records) == 0 {
		return nil
	}
	return d.Records[len(d.Records)-1]
}

// maxOrdinal is the allocation ordinal of the newest record served.
func (d *Descriptor) maxOrdinal() int64 {
	var max int64
	for _, rec := range d.members() {
		if ord := rec.Ordinal(); ord > max {
			max = ord
		}
	}
	return max
}

// media returns the request media slot for the given member random id.
func (d *Descriptor) media(randomID int64) *wire.InputMedia {
	if d.Multi != nil {
		for i := range d.Multi.Items {
			if d.Multi.Items[i].RandomID == randomID {
				return d.Multi.Items[i].Media
			}
		}
		return nil
	}
	if d.Edit != nil {
		return d.Edit.Media
	}
	if d.Single != nil {
		return d.Single.Media
	}
	return nil
}

// setMemberPath records the upload-ready path of the member with the given
// nonce, keeping Paths in step when conversion produced a new file.
func (d *Descriptor) setMemberPath(randomID int64, path string) {
	for i, rec := range d.members() {
		if rec.RandomID == randomID {
			if i < len(d.Paths) {
				d.Paths[i] = path
			}
			return
		}
	}
}

// removeMember drops the album member with the given local id, keeping Paths
// and Parents aligned and the request items in sync. Returns false when the
// id is not a member.
func (d *Descriptor) removeMember(localID int64) bool {
	idx := -1
	for i, rec := range d.Records {
		if rec.LocalID == localID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	random := d.Records[idx].RandomID
	d.Records = append(d.Records[:idx], d.Records[idx+1:]...)
	if idx < len(d.Paths) {
		d.Paths = append(d.Paths[:idx], d.Paths[idx+1:]...)
	}
	if idx < len(d.Parents) {
		d.Parents = append(d.Parents[:idx], d.Parents[idx+1:]...)
	}
	if d.Multi != nil {
		for i := range d.Multi.Items {
			if d.Multi.Items[i].RandomID == random {
				d.Multi.Items = append(d.Multi.Items[:i], d.Multi.Items[i+1:]...)
				break
			}
		}
	}
	return true
}

// groupKey is the synthetic resource key an album descriptor waits under.
func groupKey(groupID int64) string {
	return fmt.Sprintf("grp_%d", groupID)
}

// stickerSetKey is the resource key for a sticker-set resolution.
func stickerSetKey(shortName string) string {
	return "set_" + shortName
}
