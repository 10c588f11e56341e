package model

import "time"

// Location はユーザーの位置情報を表す。
type Location struct {
	Latitude   float64
	Longitude  float64
	CapturedAt time.Time
}

// LocationTag はユーザーが名前を付けて保存した位置（"home"、"work"等）を表す。
// (UserID, Name) の組で一意。
type LocationTag struct {
	UserID string
	Name   string
	Location
}
