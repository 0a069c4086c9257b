package model

import "time"

// Review is one player review of a published game version.
type Review struct {
	ReviewID  int64     `json:"review_id"`
	Author    string    `json:"author"`
	GameName  string    `json:"game_name"`
	Version   string    `json:"version"`
	Content   string    `json:"content"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// PlayRecord marks that a player obtained or played a specific game version.
// Its presence gates review eligibility.
type PlayRecord struct {
	Player    string
	GameName  string
	Version   string
	WhenAdded time.Time
}
