package botmgr

import (
	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/protocol"
)

// DefaultGuideVersion tags the bundled rules guide.
const DefaultGuideVersion = "v1"

// GameGuide builds the teach-game payload for one bot. The version is a
// label carried through to the binding; the content is always the bundled
// guide.
func GameGuide(version string) *protocol.TeachGameRequest {
	if version == "" {
		version = DefaultGuideVersion
	}
	return &protocol.TeachGameRequest{
		GameGuideVersion: version,
		RulesMarkdown:    rulesMarkdown,
		CommandSchema: &protocol.CommandSchema{
			Allowed: []game.CommandType{
				game.CommandMove,
				game.CommandShoot,
				game.CommandShield,
				game.CommandSpeak,
			},
			DirectionRequiredFor: []game.CommandType{
				game.CommandMove,
				game.CommandShoot,
				game.CommandShield,
			},
			SpeakTextRequiredFor: []game.CommandType{
				game.CommandSpeak,
			},
		},
		Examples: []protocol.CommandExample{
			{CommandType: game.CommandMove, Direction: game.DirUp},
			{CommandType: game.CommandShoot, Direction: game.DirLeft},
			{CommandType: game.CommandShield, Direction: game.DirDown},
			{CommandType: game.CommandSpeak, SpeakText: "hold the corner"},
		},
	}
}

const rulesMarkdown = `# Cowboy

Cowboy is a turn-based duel on a rectangular grid. Each player starts on
the middle of their own edge with 10 HP and a shield facing that edge.
Players act strictly in seat order (A, B, C, D); one command per turn.

## Commands

- ` + "`move <up|down|left|right>`" + ` - step one cell. The target cell must be
  inside the map, not a wall, and not occupied.
- ` + "`shoot <up|down|left|right>`" + ` - fire into the adjacent cell in that
  direction. From that entry cell the beam sweeps both ways perpendicular
  to your aim; each arm damages the first wall or player it reaches. A
  hit deals 1 damage to a player or a wall; walls break when their HP
  reaches 0. A shield facing the beam blocks the hit. You cannot shoot
  through your own shield, and you cannot fire if the entry cell is
  outside the map, a wall, or occupied.
- ` + "`shield <up|down|left|right>`" + ` - rotate your shield to face that way.
- ` + "`speak <text>`" + ` - say something to the table.

Every accepted command consumes your turn, including speak. If you take
too long the turn times out and passes. A player whose HP reaches 0 is
out; dead players are skipped. The last player alive wins.

## Tips

- Shields only block shots coming from the direction they face.
- Walls soak hits; use them as cover or break them open for a line.
- Watch turn order: the player after you acts before you can react.
`
