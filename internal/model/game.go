package model

// GameType is the closed set of package types the platform accepts.
type GameType string

const (
	GameTypeCLI   GameType = "CLI"
	GameTypeGUI   GameType = "GUI"
	GameType2P    GameType = "2P"
	GameTypeMulti GameType = "Multi"
)

// Valid reports whether t is one of the accepted package types.
func (t GameType) Valid() bool {
	switch t {
	case GameTypeCLI, GameTypeGUI, GameType2P, GameTypeMulti:
		return true
	}
	return false
}

// Game is one published package version in the catalog.
type Game struct {
	Author      string   `json:"author"`
	GameName    string   `json:"game_name"`
	Version     int      `json:"version"`
	Type        GameType `json:"type"`
	Description string   `json:"description"`
	MaxPlayers  int      `json:"max_players"`
	ScoreSum    int      `json:"score_sum"`
	ReviewCount int      `json:"review_count"`
}
