// Package orchestrator starts campaigns and watches for ones that stop moving.
//
// Trigger publishes the audit brief and one enrichment request per target
// locale once a campaign has been accepted; a publish failure fails the
// campaign. StaleScanner periodically lists PROCESSING campaigns that have
// dead letters or have gone quiet and raises one alert per campaign.
package orchestrator
