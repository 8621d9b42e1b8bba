package domain

import "time"

const ResumeSchemaVersion = 1

// ResumeSidecar is the structured half of the on-disk resume pair: the
// opaque `.fastresume` blob checksum lives here, but its contents are never
// parsed by this type or anything that constructs it. Readers tolerate
// unknown fields and newer SchemaVersion values, writers never downgrade.
type ResumeSidecar struct {
	SchemaVersion    int        `json:"schemaVersion"`
	ID               TorrentID  `json:"id"`
	Name             string     `json:"name"`
	InfoHashV1       string     `json:"infoHashV1,omitempty"`
	InfoHashV2       string     `json:"infoHashV2,omitempty"`
	SavePath         string     `json:"savePath"`
	Status           Status     `json:"status"`
	Files            []FileRef  `json:"files"`
	Selection        Selection  `json:"selection"`
	Options          Options    `json:"options"`
	Trackers         [][]string `json:"trackers,omitempty"`
	WebSeeds         []string   `json:"webSeeds,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Category         string     `json:"category,omitempty"`
	FastresumeSHA256 string     `json:"fastresumeSha256"`
	SavedAt          time.Time  `json:"updatedAt"`
}

// SidecarFromRecord builds the persisted sidecar view of a live TorrentRecord,
// stamped with the persistence time. The caller fills FastresumeSHA256
// after hashing the paired blob.
func SidecarFromRecord(r TorrentRecord) ResumeSidecar {
	return ResumeSidecar{
		SchemaVersion: ResumeSchemaVersion,
		ID:            r.ID,
		Name:          r.Name,
		InfoHashV1:    r.InfoHashV1.String(),
		InfoHashV2:    r.InfoHashV2.String(),
		SavePath:      r.SavePath,
		Status:        r.Status,
		Files:         r.Files,
		Selection:     r.Selection.Clone(),
		Options:       r.Options,
		Trackers:      r.Trackers,
		WebSeeds:      r.WebSeeds,
		Tags:          r.Tags,
		Category:      r.Category,
		SavedAt:       time.Now(),
	}
}
