package model

// Attribute keys.
const (
	KeyHDOP         = "hdop"
	KeyBatteryLevel = "battery_level"
	KeyBattery      = "battery"
	KeyPower        = "power"
	KeyResult       = "result"
	KeyMessage      = "message"
	KeyPhone        = "phone"
	KeyTemp1        = "temp1"
	KeyTemp2        = "temp2"
	KeyStatus       = "status"
	KeyIndex        = "index"
	KeyEvent        = "event"
	KeyIgnition     = "ignition"
	KeyArmed        = "armed"
	KeyBlocked      = "blocked"
	KeyCharge       = "charge"
	KeyRSSI         = "rssi"
	KeySatellites   = "sat"
	KeyOdometer     = "odometer"
	KeySteps        = "steps"
	KeyHumidity     = "humidity"
	KeyIlluminance  = "illuminance"
	KeyCO2          = "co2"
	KeyADC1         = "adc1"
	KeyADC2         = "adc2"
	KeyMCC          = "mcc"
	KeyMNC          = "mnc"
	KeyLAC          = "lac"
	KeyCID          = "cid"
	KeyModel        = "model"
	KeyMotion       = "motion"
	KeyType         = "type"
	KeyRPM          = "rpm"
	KeyOBDSpeed     = "obd_speed"
	KeyEngineLoad   = "engine_load"
	KeyCoolantTemp  = "coolant_temp"
	KeyIntakeTemp   = "intake_temp"
	KeyThrottle     = "throttle"
	KeyEngineHours  = "engine_hours"
	KeyMAF          = "maf"
	KeyFuelUsed     = "fuel_used"
	KeyFuelLevel    = "fuel_level"
)

// Alarm tags.
const (
	AlarmLowBattery    = "low_battery"
	AlarmMovement      = "movement"
	AlarmGeofenceExit  = "geofence_exit"
	AlarmGeofenceEnter = "geofence_enter"
	AlarmSOS           = "sos"
	AlarmOverspeed     = "overspeed"
	AlarmPowerOff      = "power_off"
	AlarmPowerCut      = "power_cut"
	AlarmVibration     = "vibration"
	AlarmGPSAntennaCut = "gps_antenna_cut"
	AlarmRemoving      = "removing"
	AlarmLowSpeed      = "low_speed"
	AlarmAccident      = "accident"
	AlarmFallDown      = "fall_down"
	AlarmDoor          = "door"
	AlarmLowPower      = "low_power"
)
