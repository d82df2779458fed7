package manifest

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"dashbuffer/internal/timeline"
)

// dashMPD mirrors the subset of a DASH MPD this core cares about: enough to
// build a Manifest whose per-Representation Index is a timeline.Index.
// Trimmed to the SegmentTemplate+SegmentTimeline addressing case.
type dashMPD struct {
	XMLName                xml.Name     `xml:"MPD"`
	Type                   string       `xml:"type,attr"`
	AvailabilityStartTime  string       `xml:"availabilityStartTime,attr"`
	MinimumUpdatePeriod    string       `xml:"minimumUpdatePeriod,attr"`
	TimeShiftBufferDepth   string       `xml:"timeShiftBufferDepth,attr"`
	Periods                []dashPeriod `xml:"Period"`
}

type dashPeriod struct {
	ID        string              `xml:"id,attr"`
	Start     string              `xml:"start,attr"`
	Duration  string              `xml:"duration,attr"`
	XLinkHref string              `xml:"href,attr"`
	Sets      []dashAdaptationSet `xml:"AdaptationSet"`
}

type dashAdaptationSet struct {
	ID              string                `xml:"id,attr"`
	ContentType     string                `xml:"contentType,attr"`
	MimeType        string                `xml:"mimeType,attr"`
	Representations []dashRepresentation  `xml:"Representation"`
	SegmentTemplate dashSegmentTemplate   `xml:"SegmentTemplate"`
}

type dashRepresentation struct {
	ID        string `xml:"id,attr"`
	Bandwidth int    `xml:"bandwidth,attr"`
	Codecs    string `xml:"codecs,attr"`
}

type dashSegmentTemplate struct {
	Timescale      uint64              `xml:"timescale,attr"`
	Initialization string              `xml:"initialization,attr"`
	Media          string              `xml:"media,attr"`
	Timeline       dashSegmentTimeline `xml:"SegmentTimeline"`
}

type dashSegmentTimeline struct {
	S []dashS `xml:"S"`
}

type dashS struct {
	T  *uint64 `xml:"t,attr"`
	D  *uint64 `xml:"d,attr"`
	R  *int    `xml:"r,attr"`
}

// ParseDASH decodes a DASH MPD document into a Manifest whose indexes are
// timeline.Index instances. Only SegmentTemplate+SegmentTimeline addressing
// is supported.
func ParseDASH(data []byte) (*Manifest, error) {
	var doc dashMPD
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse MPD: %w", err)
	}

	m := &Manifest{IsDynamic: doc.Type == "dynamic"}

	for _, dp := range doc.Periods {
		periodStart, err := strconv.ParseFloat(strings.TrimSpace(dp.Start), 64)
		if err != nil {
			periodStart = 0
		}
		period := Period{
			ID:                dp.ID,
			Start:             periodStart,
			AdaptationsByType: map[TrackType][]Adaptation{},
		}
		if d, err := strconv.ParseFloat(strings.TrimSpace(dp.Duration), 64); err == nil {
			period.Duration = &d
		}
		if dp.XLinkHref != "" {
			period.Partial = true
			period.XLinkHref = dp.XLinkHref
			m.Periods = append(m.Periods, period)
			continue
		}

		for _, das := range dp.Sets {
			trackType := TrackType(das.ContentType)
			if trackType == "" {
				trackType = trackTypeFromMime(das.MimeType)
			}

			ad := Adaptation{ID: das.ID, Type: trackType}

			rawEntries := make([]timeline.RawEntry, 0, len(das.SegmentTemplate.Timeline.S))
			for _, s := range das.SegmentTemplate.Timeline.S {
				rawEntries = append(rawEntries, timeline.RawEntry{T: s.T, D: s.D, R: s.R})
			}

			for _, dr := range das.Representations {
				idx := timeline.NewIndex(timeline.Params{
					Timescale:       das.SegmentTemplate.Timescale,
					PeriodStart:     periodStart,
					IsDynamic:       m.IsDynamic,
					InitTemplate:    das.SegmentTemplate.Initialization,
					MediaTemplate:   das.SegmentTemplate.Media,
					RepresentationID: dr.ID,
					RawEntries:      rawEntries,
				})
				ad.Representations = append(ad.Representations, Representation{
					ID:       dr.ID,
					Bitrate:  dr.Bandwidth,
					Codec:    dr.Codecs,
					MimeType: das.MimeType,
					Index:    idx,
				})
			}
			ad.Type = trackType
			period.AdaptationsByType[trackType] = append(period.AdaptationsByType[trackType], ad)
		}
		m.Periods = append(m.Periods, period)
	}

	// A Period with no explicit @duration implicitly ends where the next
	// Period starts; the last Period without @duration stays open-ended,
	// in static and dynamic manifests alike.
	for i := range m.Periods {
		if m.Periods[i].Duration == nil && i+1 < len(m.Periods) {
			d := m.Periods[i+1].Start - m.Periods[i].Start
			m.Periods[i].Duration = &d
		}
	}
	return m, nil
}

func trackTypeFromMime(mime string) TrackType {
	switch {
	case strings.HasPrefix(mime, "audio/"):
		return TrackAudio
	case strings.HasPrefix(mime, "video/"):
		return TrackVideo
	case strings.HasPrefix(mime, "application/ttml") || strings.HasPrefix(mime, "text/"):
		return TrackText
	default:
		return TrackVideo
	}
}
