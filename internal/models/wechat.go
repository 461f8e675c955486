package models

import (
	"encoding/xml"
	"time"
)

// Message 是企业微信回调解密后的消息结构体
type Message struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgId        string   `xml:"MsgId"` // 用于识别微信重试
	AgentID      string   `xml:"AgentID"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
	PicUrl       string   `xml:"PicUrl"`
	MediaId      string   `xml:"MediaId"`
}

// Reply 是处理函数返回的被动回复, 目前只支持文本
type Reply struct {
	MsgType string
	Content string
}

// TextReply 构造文本回复
func TextReply(content string) *Reply {
	return &Reply{MsgType: "text", Content: content}
}

// ReplyMessage 是返回给企业微信的消息结构体
type ReplyMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName,cdata"`
	FromUserName string   `xml:"FromUserName,cdata"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType,cdata"`
	Content      string   `xml:"Content,cdata"`
}

// Render 把回复渲染成 XML, 收发方与原消息对调
func (r *Reply) Render(msg *Message) ([]byte, error) {
	msgType := r.MsgType
	if msgType == "" {
		msgType = "text"
	}
	return xml.Marshal(ReplyMessage{
		ToUserName:   msg.FromUserName,
		FromUserName: msg.ToUserName,
		CreateTime:   time.Now().Unix(),
		MsgType:      msgType,
		Content:      r.Content,
	})
}
