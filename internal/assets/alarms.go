package assets

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlarmLevel represents the severity of an alarm
type AlarmLevel string

const (
	AlarmLevelWarning  AlarmLevel = "warning"
	AlarmLevelCritical AlarmLevel = "critical"
)

// Alarm types raised by the health model.
const (
	AlarmHighTemperature    = "HIGH_TEMPERATURE"
	AlarmHighVibration      = "HIGH_VIBRATION"
	AlarmOvercurrent        = "OVERCURRENT"
	AlarmOvervoltage        = "OVERVOLTAGE"
	AlarmHighOilTemperature = "HIGH_OIL_TEMPERATURE"
	AlarmLowOilLevel        = "LOW_OIL_LEVEL"
	AlarmDGAFault           = "DGA_FAULT"
	AlarmLowSF6Pressure     = "LOW_SF6_PRESSURE"
	AlarmSF6Lockout         = "SF6_LOCKOUT"
	AlarmCTSaturation       = "CT_SATURATION"
	AlarmProtectionTrip     = "PROTECTION_TRIP"
)

// Alarm is a threshold crossing on a monitored quantity. Alarms accumulate
// until acknowledged and never clear on their own.
type Alarm struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Level        AlarmLevel `json:"level"`
	AssetID      string     `json:"assetId"`
	Message      string     `json:"message"`
	Value        float64    `json:"value"`
	Threshold    float64    `json:"threshold"`
	Count        int        `json:"count"`
	StartTime    time.Time  `json:"startTime"`
	LastSeen     time.Time  `json:"lastSeen"`
	Acknowledged bool       `json:"acknowledged"`
	AckTime      *time.Time `json:"ackTime,omitempty"`
}

// alarmCheck is one evaluated alarm condition.
type alarmCheck struct {
	alarmType string
	level     AlarmLevel
	value     float64
	threshold float64
	tripped   bool
	message   string
}

func above(alarmType string, level AlarmLevel, value, threshold float64, unit string) alarmCheck {
	return alarmCheck{
		alarmType: alarmType,
		level:     level,
		value:     value,
		threshold: threshold,
		tripped:   threshold > 0 && value > threshold,
		message:   fmt.Sprintf("%s %.2f%s exceeds threshold %.2f%s", alarmType, value, unit, threshold, unit),
	}
}

func below(alarmType string, level AlarmLevel, value, threshold float64, unit string) alarmCheck {
	return alarmCheck{
		alarmType: alarmType,
		level:     level,
		value:     value,
		threshold: threshold,
		tripped:   value < threshold,
		message:   fmt.Sprintf("%s %.2f%s below threshold %.2f%s", alarmType, value, unit, threshold, unit),
	}
}

// genericChecks apply to every asset regardless of variant.
func (a *Asset) genericChecks() []alarmCheck {
	return []alarmCheck{
		above(AlarmHighTemperature, AlarmLevelCritical, a.Thermal.TemperatureC, 0.9*a.Thermal.MaxTemperatureC, "°C"),
		above(AlarmHighVibration, AlarmLevelWarning, a.Mechanical.VibrationMMS, 0.8*a.Mechanical.MaxVibrationMMS, "mm/s"),
		above(AlarmOvercurrent, AlarmLevelWarning, a.Electrical.CurrentA, 0.9*a.Electrical.RatedCurrentA, "A"),
		above(AlarmOvervoltage, AlarmLevelWarning, a.Electrical.VoltageKV, 1.1*a.Electrical.RatedVoltageKV, "kV"),
	}
}

// raiseAlarm records a tripped check. An open alarm of the same type is
// refreshed rather than duplicated.
func (a *Asset) raiseAlarm(c alarmCheck, now time.Time) *Alarm {
	for i := range a.Alarms {
		existing := &a.Alarms[i]
		if existing.Type == c.alarmType && !existing.Acknowledged {
			existing.Count++
			existing.Value = c.value
			existing.LastSeen = now
			existing.Message = c.message
			if c.level == AlarmLevelCritical {
				existing.Level = AlarmLevelCritical
			}
			return existing
		}
	}

	a.Alarms = append(a.Alarms, Alarm{
		ID:        uuid.NewString(),
		Type:      c.alarmType,
		Level:     c.level,
		AssetID:   a.ID,
		Message:   c.message,
		Value:     c.value,
		Threshold: c.threshold,
		Count:     1,
		StartTime: now,
		LastSeen:  now,
	})
	alarm := &a.Alarms[len(a.Alarms)-1]
	if alarmHook != nil {
		alarmHook(a.Type, alarm.Type, alarm.Level)
	}
	return alarm
}

// OpenAlarms returns unacknowledged alarms.
func (a *Asset) OpenAlarms() []Alarm {
	var open []Alarm
	for _, alarm := range a.Alarms {
		if !alarm.Acknowledged {
			open = append(open, alarm)
		}
	}
	return open
}

// AcknowledgeAlarm marks the alarm acknowledged. It stays in history.
func (a *Asset) AcknowledgeAlarm(id string) bool {
	for i := range a.Alarms {
		if a.Alarms[i].ID == id && !a.Alarms[i].Acknowledged {
			now := nowFn()
			a.Alarms[i].Acknowledged = true
			a.Alarms[i].AckTime = &now
			return true
		}
	}
	return false
}

var alarmHook func(assetType Type, alarmType string, level AlarmLevel)

// SetAlarmHook registers a callback fired when a new alarm is raised.
func SetAlarmHook(fn func(assetType Type, alarmType string, level AlarmLevel)) {
	alarmHook = fn
}
