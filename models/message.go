package models

// Message 是聊天室中的一則訊息，會以 "chat:{groupId}:Message" 推送給訂閱者。
type Message struct {
	Content string `json:"content" msgpack:"content"`
}

// BroadcastRequest 是全域廣播的請求內容
type BroadcastRequest struct {
	Content string `json:"content" binding:"required"`
}
