package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 運用ダッシュボードに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, queue, moderation, system
	Action   string // 運用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidPartition   = "INVALID_PARTITION"
	ErrCodeInvalidStatus      = "INVALID_MODERATION_STATUS"
	ErrCodeInvalidSubject     = "INVALID_SUBJECT"
	ErrCodeModerationNotFound = "MODERATION_NOT_FOUND"
	ErrCodeBatchExists        = "BATCH_EXISTS"
	ErrCodeBatchNotFound      = "BATCH_NOT_FOUND"
	ErrCodeInvalidRateQuery   = "INVALID_RATE_QUERY"
	ErrCodeEmptyRecipients    = "EMPTY_RECIPIENTS"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディ解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewUnauthorizedError は認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "Authorizationヘッダーに管理APIトークンを指定してください。",
	}
}

// NewInvalidPartitionError は範囲外のパーティション指定エラーを生成する。
func NewInvalidPartitionError(raw string, n int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPartition,
		Message:  fmt.Sprintf("無効なパーティションです: %s", raw),
		Category: "validation",
		Action:   fmt.Sprintf("パーティションには0から%dまでの整数を指定してください。", n-1),
	}
}

// NewInvalidStatusError は無効なモデレーション状態エラーを生成する。
func NewInvalidStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効なモデレーション状態です: %s", status),
		Category: "validation",
		Action:   "状態には normal、probation、blocked のいずれかを指定してください。",
	}
}

// NewInvalidSubjectError は無効なホスト名・アクターURLエラーを生成する。
func NewInvalidSubjectError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSubject,
		Message:  fmt.Sprintf("無効なモデレーション対象です: %s", reason),
		Category: "validation",
		Action:   "ホスト名またはhttps://で始まるアクターURLを指定してください。",
	}
}

// NewModerationNotFoundError はモデレーション設定が存在しない場合のエラーを生成する。
func NewModerationNotFoundError(subject string) *APIError {
	return &APIError{
		Code:     ErrCodeModerationNotFound,
		Message:  fmt.Sprintf("モデレーション設定が見つかりません: %s", subject),
		Category: "moderation",
		Action:   "対象のURLを確認してください。",
	}
}

// NewBatchExistsError は同一アクティビティの重複ファンアウトエラーを生成する。
func NewBatchExistsError(activityRef string) *APIError {
	return &APIError{
		Code:     ErrCodeBatchExists,
		Message:  fmt.Sprintf("このアクティビティは既にキューに登録されています: %s", activityRef),
		Category: "queue",
		Action:   "配送状況はバッチ一覧から確認してください。",
	}
}

// NewBatchNotFoundError はバッチが存在しない場合のエラーを生成する。
func NewBatchNotFoundError(activityRef string) *APIError {
	return &APIError{
		Code:     ErrCodeBatchNotFound,
		Message:  fmt.Sprintf("指定されたアクティビティのバッチが見つかりません: %s", activityRef),
		Category: "queue",
		Action:   "activity_refを確認してください。",
	}
}

// NewInvalidRateQueryError はレート集計クエリのパラメータエラーを生成する。
func NewInvalidRateQueryError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRateQuery,
		Message:  fmt.Sprintf("無効な集計条件です: %s", reason),
		Category: "validation",
		Action:   "threshold と window_minutes には正の整数を指定してください。",
	}
}

// NewEmptyRecipientsError は配送先が空の場合のエラーを生成する。
func NewEmptyRecipientsError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyRecipients,
		Message:  "配送先が1件も指定されていません。",
		Category: "validation",
		Action:   "recipients に1件以上の配送先を指定してください。",
	}
}

// NewRateLimitedError は管理APIの呼び出し頻度超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
