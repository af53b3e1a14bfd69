package state

import "fmt"

// Logical document paths in the store. Mutable state lives behind the
// document store; authored content (configs, world templates, command
// markdown) is read from the content root and never written.

func worldPath(experience string) string {
	return fmt.Sprintf("experiences/%s/state/world.json", experience)
}

func isolatedWorldPath(experience, playerID string) string {
	return fmt.Sprintf("experiences/%s/players/%s/world.json", experience, playerID)
}

func viewPath(playerID, experience string) string {
	return fmt.Sprintf("players/%s/%s/view.json", playerID, experience)
}

func profilePath(playerID string) string {
	return fmt.Sprintf("players/%s/profile.json", playerID)
}

func backupPath(experience, timestamp string) string {
	return fmt.Sprintf("experiences/%s/backups/%s/world.json", experience, timestamp)
}
