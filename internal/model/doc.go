// Package model holds the value types shared by the feed, filter, queue and dispatch layers.
package model
