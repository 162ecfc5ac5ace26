package domain

// ChannelKeyMaterial is the symmetric key of one channel epoch. The key is a
// pure function of (channel, key id, server secret) and is never persisted.
type ChannelKeyMaterial struct {
	Channel ChannelID
	KeyID   KeyID
	Key     []byte
}
