package install

// Stage names one phase of an install. Stages are emitted strictly in the
// order resolving -> (downloading | building) -> extracting -> installing
// -> done.
type Stage string

const (
	StageResolving   Stage = "resolving"
	StageDownloading Stage = "downloading"
	StageExtracting  Stage = "extracting"
	StageBuilding    Stage = "building"
	StageInstalling  Stage = "installing"
	StageDone        Stage = "done"
)

// Progress is one named stage event pushed to the caller's sink.
// BytesTotal is 0 when the size is unknown (indeterminate progress).
type Progress struct {
	Stage      Stage  `json:"stage"`
	Message    string `json:"message"`
	BytesDone  int64  `json:"bytes_done,omitempty"`
	BytesTotal int64  `json:"bytes_total,omitempty"`
}

// Sink receives progress events during Install. May be nil.
type Sink func(Progress)

func (s Sink) send(p Progress) {
	if s != nil {
		s(p)
	}
}
