package core

import "time"

// Stream 是上游平台返回的一路直播的元数据。
// json tag 与上游接口字段保持一致，特征编码按这些字段名配置。
type Stream struct {
	ID            string    `json:"id"`
	StreamerID    string    `json:"user_id"`
	StreamerLogin string    `json:"user_login,omitempty"`
	CategoryID    string    `json:"game_id"`
	CategoryName  string    `json:"game_name,omitempty"`
	Title         string    `json:"title,omitempty"`
	ViewerCount   int       `json:"viewer_count"`
	Language      string    `json:"language,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	IsMature      bool      `json:"is_mature"`
	Tags          []string  `json:"tags,omitempty"`
}

// Entry 以字段名暴露 Stream，供特征编码读取。
func (s Stream) Entry() map[string]any {
	tags := make([]any, len(s.Tags))
	for i, t := range s.Tags {
		tags[i] = t
	}
	return map[string]any{
		"id":           s.ID,
		"user_id":      s.StreamerID,
		"user_login":   s.StreamerLogin,
		"game_id":      s.CategoryID,
		"game_name":    s.CategoryName,
		"title":        s.Title,
		"viewer_count": float64(s.ViewerCount),
		"language":     s.Language,
		"started_at":   float64(s.StartedAt.UnixMilli()),
		"is_mature":    s.IsMature,
		"tags":         tags,
	}
}

// WatchSample 是某一时刻的观看快照：当时正在看哪些主播，以及当时可选的全部直播。
// Watched 以 StreamerID 为 key。
type WatchSample struct {
	Time       time.Time       `json:"time"`
	Watched    map[string]bool `json:"watched"`
	Candidates []Stream        `json:"streams"`
}

// IsWatched 判断 stream 在该快照中是否处于观看状态
func (w WatchSample) IsWatched(s Stream) bool {
	return w.Watched[s.StreamerID]
}

// ScoredStream 是打分后的 Stream。
type ScoredStream struct {
	Stream
	Score float64 `json:"score"`
}
