//go:generate go run github.com/swaggo/swag/v2/cmd/swag init --parseInternal --outputTypes json -g openapi.go -o .
package main

// @title         colophon api
// @version       1.0
// @description   Book metadata search and ingestion for reading trackers.
//
// @contact.url   https://github.com/colophon-io/colophon
//
// @license.name  GPLv3
// @license.url   https://www.gnu.org/licenses/gpl-3.0.en.html
