package job

// Status はジョブの状態
type Status string

const (
	StatusPending       Status = "pending"
	StatusPreprocessing Status = "preprocessing"
	StatusTranscribing  Status = "transcribing"
	StatusAnalyzing     Status = "analyzing"
	StatusClipping      Status = "clipping"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// stageOrder はステージ順序。failed は順序外
var stageOrder = []Status{
	StatusPending,
	StatusPreprocessing,
	StatusTranscribing,
	StatusAnalyzing,
	StatusClipping,
	StatusCompleted,
}

// IsTerminal は終端状態かを返す
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid は既知の状態かを返す
func (s Status) IsValid() bool {
	return s == StatusFailed || s.position() >= 0
}

// Successor は定義済みの次状態を返す
func (s Status) Successor() (Status, bool) {
	pos := s.position()
	if pos < 0 || pos == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[pos+1], true
}

// Precedes は s がステージ順序で other より前にあるかを返す
func (s Status) Precedes(other Status) bool {
	a, b := s.position(), other.position()
	return a >= 0 && b >= 0 && a < b
}

func (s Status) position() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// CanTransition は from から to への遷移が許されるかを返す
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.IsTerminal() && from.IsValid()
	}
	next, ok := from.Successor()
	return ok && next == to
}

// RenderStatus は RenderOutput の状態
type RenderStatus string

const (
	RenderPending    RenderStatus = "pending"
	RenderProcessing RenderStatus = "processing"
	RenderCompleted  RenderStatus = "completed"
	RenderFailed     RenderStatus = "failed"
)

// IsTerminal は終端状態かを返す
func (s RenderStatus) IsTerminal() bool {
	return s == RenderCompleted || s == RenderFailed
}

// CanTransitionRender は pending→processing→{completed|failed} のみを許可する
func CanTransitionRender(from, to RenderStatus) bool {
	switch from {
	case RenderPending:
		return to == RenderProcessing
	case RenderProcessing:
		return to == RenderCompleted || to == RenderFailed
	default:
		return false
	}
}
