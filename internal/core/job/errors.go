package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/jinford/clipline/internal/core/storage"
)

var (
	// ErrJobNotFound はジョブが存在しない場合のエラー
	ErrJobNotFound = errors.New("job not found")

	// ErrRenderOutputNotFound は RenderOutput が存在しない場合のエラー
	ErrRenderOutputNotFound = errors.New("render output not found")

	// ErrInvalidTransition は状態遷移表にない遷移を要求した場合のエラー
	// 利用者に見せるものではなく、競合かバグとして扱う
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStatusConflict は条件付き更新で期待した状態と一致しなかった場合のエラー
	ErrStatusConflict = errors.New("status changed concurrently")

	// ErrSegmentsExist はセグメントが既に作成済みの場合のエラー
	ErrSegmentsExist = errors.New("segments already exist for job")

	// ErrRenderOutputExists はセグメントに RenderOutput が既にある場合のエラー
	ErrRenderOutputExists = errors.New("render output already exists for segment")
)

// TransitionError は不正な遷移の詳細
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition.Error(), e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ValidationError は副作用の前に拒否すべき入力エラー。リトライしない
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError は ValidationError を作成する
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// IsValidation は err が ValidationError を含むかを返す
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExternalError は外部コラボレータ呼び出しの失敗
// Transient なものは回数制限付きでリトライし、それ以外は即座に失敗させる
type ExternalError struct {
	Op        string
	Transient bool
	Err       error
}

// Transient は一時的な外部エラーを作成する（タイムアウト、5xx など）
func Transient(op string, err error) error {
	return &ExternalError{Op: op, Transient: true, Err: err}
}

// Permanent は恒久的な外部エラーを作成する（4xx、不正なレスポンスなど）
func Permanent(op string, err error) error {
	return &ExternalError{Op: op, Transient: false, Err: err}
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// StorageError はオブジェクトストア操作の失敗
type StorageError struct {
	Op  string
	Key string
	Err error
}

// NewStorageError は StorageError を作成する
func NewStorageError(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsTransient はリトライ対象のエラーかを判定する
// タイムアウトとストレージエラーはリトライ可能として扱う。ただし存在しないオブジェクトは除く
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) {
		return false
	}

	var ext *ExternalError
	if errors.As(err, &ext) {
		return ext.Transient
	}

	var se *StorageError
	if errors.As(err, &se) {
		return !errors.Is(se.Err, storage.ErrObjectNotFound)
	}

	return errors.Is(err, context.DeadlineExceeded)
}
