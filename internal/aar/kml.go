package aar

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/geo"
)

// KML structures for XML marshalling (KML 2.2).

type kmlRoot struct {
	XMLName   xml.Name    `xml:"kml"`
	Namespace string      `xml:"xmlns,attr"`
	Document  kmlDocument `xml:"Document"`
}

type kmlDocument struct {
	Name        string         `xml:"name"`
	Description string         `xml:"description,omitempty"`
	Styles      []kmlStyle     `xml:"Style,omitempty"`
	Placemarks  []kmlPlacemark `xml:"Placemark"`
}

type kmlStyle struct {
	ID        string       `xml:"id,attr"`
	IconStyle kmlIconStyle `xml:"IconStyle"`
}

type kmlIconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  kmlIcon `xml:"Icon"`
}

type kmlIcon struct {
	Href string `xml:"href"`
}

type kmlPlacemark struct {
	Name         string           `xml:"name"`
	Description  string           `xml:"description,omitempty"`
	StyleURL     string           `xml:"styleUrl,omitempty"`
	TimeStamp    *kmlTimeStamp    `xml:"TimeStamp,omitempty"`
	Point        kmlPoint         `xml:"Point"`
	ExtendedData *kmlExtendedData `xml:"ExtendedData,omitempty"`
}

type kmlTimeStamp struct {
	When string `xml:"when"`
}

type kmlPoint struct {
	Coordinates string `xml:"coordinates"` // lon,lat,altitude
}

type kmlExtendedData struct {
	Data []kmlData `xml:"Data"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// KMLSummary counts what WriteKML placed on the map.
type KMLSummary struct {
	Rallies   int
	Positions int
}

// WriteKML renders the positional events of a squad's record as a KML
// document: one placemark per rally point and one per member position
// report. Events without a coordinate are skipped.
func WriteKML(w io.Writer, title string, events []event.Event) (KMLSummary, error) {
	var sum KMLSummary
	placemarks := make([]kmlPlacemark, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.Kind == event.KindRallyPlaced && ev.Rally != nil:
			name := ev.Rally.Label
			if name == "" {
				name = fmt.Sprintf("Rally #%d", ev.Sequence)
			}
			placemarks = append(placemarks, placemark(ev, name, "#rallyStyle", ev.Rally.Coordinate,
				kmlData{Name: "radius_meters", Value: fmt.Sprintf("%.0f", ev.Rally.RadiusMeters)}))
			sum.Rallies++
		case ev.Kind == event.KindPresenceUpdate && ev.Presence != nil:
			placemarks = append(placemarks, placemark(ev, ev.Presence.UserID, "#memberStyle", ev.Presence.Coordinate))
			sum.Positions++
		}
	}

	doc := kmlRoot{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: kmlDocument{
			Name:        title,
			Description: fmt.Sprintf("After-action record. Generated %s.", time.Now().UTC().Format("2006-01-02 15:04:05 UTC")),
			Styles: []kmlStyle{
				{ID: "rallyStyle", IconStyle: kmlIconStyle{Scale: 1.2, Icon: kmlIcon{Href: "http://maps.google.com/mapfiles/kml/paddle/red-stars.png"}}},
				{ID: "memberStyle", IconStyle: kmlIconStyle{Scale: 0.7, Icon: kmlIcon{Href: "http://maps.google.com/mapfiles/kml/shapes/man.png"}}},
			},
			Placemarks: placemarks,
		},
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return sum, err
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return sum, err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return sum, err
	}
	return sum, nil
}

func placemark(ev event.Event, name, style string, c geo.Coordinate, extra ...kmlData) kmlPlacemark {
	data := []kmlData{
		{Name: "sequence", Value: fmt.Sprintf("%d", ev.Sequence)},
		{Name: "actor_id", Value: ev.ActorID},
	}
	return kmlPlacemark{
		Name:        name,
		Description: fmt.Sprintf("Seq %d by %s", ev.Sequence, ev.ActorID),
		StyleURL:    style,
		TimeStamp:   &kmlTimeStamp{When: ev.Timestamp.UTC().Format(time.RFC3339)},
		Point:       kmlPoint{Coordinates: fmt.Sprintf("%.6f,%.6f,0", c.Longitude, c.Latitude)},
		ExtendedData: &kmlExtendedData{
			Data: append(data, extra...),
		},
	}
}
