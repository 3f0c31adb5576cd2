package mqtt

import "strings"

// DefaultPrefix is used when Topics.Prefix is empty.
const DefaultPrefix = "graylogic/mirror"

// Topics builds the mirror's topic tree under a common prefix:
//
//	{prefix}/bridge               retained online/offline status of the mirror (LWT)
//	{prefix}/status               retained remote connection state
//	{prefix}/state/{entity_id}    retained entity view
//	{prefix}/command/{entity_id}  inbound command requests
//	{prefix}/ack/{entity_id}      command acknowledgements
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// Bridge returns the topic carrying the mirror's own online/offline status.
func (t Topics) Bridge() string {
	return t.prefix() + "/bridge"
}

// Status returns the retained remote connection state topic.
func (t Topics) Status() string {
	return t.prefix() + "/status"
}

// State returns the retained state topic for an entity.
func (t Topics) State(entityID string) string {
	return t.prefix() + "/state/" + entityID
}

// Command returns the command topic for an entity.
func (t Topics) Command(entityID string) string {
	return t.prefix() + "/command/" + entityID
}

// Ack returns the acknowledgement topic for an entity.
func (t Topics) Ack(entityID string) string {
	return t.prefix() + "/ack/" + entityID
}

// AllCommands is the wildcard matching every command topic.
func (t Topics) AllCommands() string {
	return t.prefix() + "/command/+"
}

// AllStates is the wildcard matching every state topic.
func (t Topics) AllStates() string {
	return t.prefix() + "/state/+"
}

// CommandEntity extracts the entity id from a command topic.
func (t Topics) CommandEntity(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, t.prefix()+"/command/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
