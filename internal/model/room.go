package model

import "time"

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"is_group"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership is the edge granting a user send/read rights in a room.
type Membership struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Version  int64     `json:"version"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomView is a room with its member list as rendered to a caller.
type RoomView struct {
	Room
	Members []UserPublic `json:"members"`
}

// WithoutUser returns a copy whose member list excludes userID.
func (v RoomView) WithoutUser(userID string) RoomView {
	out := RoomView{Room: v.Room, Members: make([]UserPublic, 0, len(v.Members))}
	for _, m := range v.Members {
		if m.ID != userID {
			out.Members = append(out.Members, m)
		}
	}
	return out
}

// MemberIDs returns the ids of all members in the view.
func (v RoomView) MemberIDs() []string {
	ids := make([]string, 0, len(v.Members))
	for _, m := range v.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

type RoomPreview struct {
	Room
	Members              []UserPublic `json:"members"`
	LastMessageContent   string       `json:"last_message_content"`
	LastMessageTimestamp *time.Time   `json:"last_message_timestamp,omitempty"`
	// PreviewUser is the other participant of a private room.
	PreviewUser *UserPublic `json:"preview_user,omitempty"`
}

type MembershipAction string

const (
	MembershipAdded   MembershipAction = "added"
	MembershipRemoved MembershipAction = "removed"
)
