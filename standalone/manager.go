package standalone

import (
	"errors"
	"gridstep/core"
	"gridstep/motion"
	"gridstep/standalone/config"
	"gridstep/standalone/gcode"
	"gridstep/standalone/kinematics"
	"gridstep/standalone/planner"
)

// Manager coordinates all standalone mode components
type Manager struct {
	config      *MachineConfig
	parser      *gcode.Parser
	interpreter *gcode.Interpreter
	planner     *planner.Planner
	kinematics  kinematics.Kinematics

	// Serial interface
	inputBuffer  []byte
	outputBuffer []byte

	// Status
	initialized bool
	running     bool

	// tickTimer drives the motion core's Step Generator at ISR_RATE, the
	// same self-rescheduling core.Timer idiom core/stepper.go's
	// stepperEventHandler uses for per-axis pulses.
	tickTimer      core.Timer
	tickIntervalTk uint32
}

// NewManager creates a new standalone mode manager
func NewManager(configData []byte) (*Manager, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configData)
	if err != nil {
		return nil, err
	}

	return NewManagerWithConfig(cfg)
}

// NewManagerWithConfig creates a manager with an existing config
func NewManagerWithConfig(cfg *MachineConfig) (*Manager, error) {
	mgr := &Manager{
		config:       cfg,
		parser:       gcode.NewParser(),
		inputBuffer:  make([]byte, 0, 256),
		outputBuffer: make([]byte, 0, 256),
		initialized:  false,
		running:      false,
	}

	return mgr, nil
}

// Initialize sets up all components. driverBus is optional (nil on a
// machine with plain step/dir drivers and no TMC5240 SPI link); when set,
// driverCfg is pushed to the driver IC at Executor.Init time. halBackend is
// optional (nil picks up the default GPIOPort HAL); pass a PIO-backed
// backend (targets/pio, RP2040 only) for jitter-free simultaneous
// step+direction writes.
func (m *Manager) Initialize(gpioDriver core.GPIODriver, driverBus motion.TMCBus, driverCfg motion.DriverCurrentConfig, halBackend motion.HAL) error {
	if m.initialized {
		return errors.New("already initialized")
	}

	// Create kinematics based on config
	var kin kinematics.Kinematics
	var err error

	switch m.config.Kinematics {
	case "cartesian":
		kin, err = kinematics.NewCartesian(m.config)
	default:
		return errors.New("unsupported kinematics: " + m.config.Kinematics)
	}

	if err != nil {
		return err
	}

	m.kinematics = kin

	// Create planner
	m.planner = planner.NewPlanner(m.config, kin)
	if driverBus != nil {
		m.planner.SetDriverBus(driverBus, driverCfg)
	}
	if halBackend != nil {
		m.planner.SetHALBackend(halBackend)
	}

	// Initialize steppers
	err = m.planner.InitSteppers(gpioDriver)
	if err != nil {
		return err
	}

	// Create interpreter
	m.interpreter = gcode.NewInterpreter(m.config, m.planner)

	m.tickIntervalTk = m.planner.TickIntervalTicks()
	m.tickTimer.Handler = m.tickTimerFired

	m.initialized = true
	return nil
}

// tickTimerFired drives the motion core's Step Generator at ISR_RATE and
// reschedules itself, mirroring core/stepper.go's stepperEventHandler.
func (m *Manager) tickTimerFired(t *core.Timer) uint8 {
	m.planner.Tick()
	t.WakeTime += m.tickIntervalTk
	return core.SF_RESCHEDULE
}

// RunPreparer pumps the non-real-time Segment Preparer; call this once per
// pass of the cooperative main loop.
func (m *Manager) RunPreparer() {
	if m.planner != nil {
		m.planner.RunPreparer()
	}
}

// ProcessLine processes a line of G-code
func (m *Manager) ProcessLine(line string) error {
	if !m.initialized {
		return errors.New("manager not initialized")
	}

	// Parse G-code
	cmd, err := m.parser.ParseLine(line)
	if err != nil {
		return err
	}

	// Execute command
	if cmd != nil {
		err = m.interpreter.Execute(cmd)
		if err != nil {
			return err
		}
	}

	return nil
}

// ProcessByte processes a single byte of input (for serial streaming)
func (m *Manager) ProcessByte(b byte) error {
	// Add to buffer
	m.inputBuffer = append(m.inputBuffer, b)

	// Check for line terminator
	if b == '\n' || b == '\r' {
		// Process line
		line := string(m.inputBuffer)
		m.inputBuffer = m.inputBuffer[:0] // Clear buffer

		// Remove trailing whitespace
		for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r' || line[len(line)-1] == ' ') {
			line = line[:len(line)-1]
		}

		if len(line) > 0 {
			err := m.ProcessLine(line)
			if err != nil {
				return err
			}

			// Send "ok" response
			m.SendResponse("ok\n")
		}
	}

	return nil
}

// SendResponse queues a response to be sent to the host
func (m *Manager) SendResponse(response string) {
	m.outputBuffer = append(m.outputBuffer, []byte(response)...)
}

// GetOutput returns any pending output and clears the buffer
func (m *Manager) GetOutput() []byte {
	if len(m.outputBuffer) == 0 {
		return nil
	}

	output := make([]byte, len(m.outputBuffer))
	copy(output, m.outputBuffer)
	m.outputBuffer = m.outputBuffer[:0]
	return output
}

// Start begins standalone operation
func (m *Manager) Start() error {
	if !m.initialized {
		return errors.New("manager not initialized")
	}

	m.running = true
	m.tickTimer.WakeTime = core.GetTime() + m.tickIntervalTk
	core.ScheduleTimer(&m.tickTimer)
	m.SendResponse("Gopper Standalone Mode Ready\n")
	return nil
}

// Stop halts all operation
func (m *Manager) Stop() {
	m.running = false
	if m.planner != nil {
		m.planner.ClearQueue()
	}
}

// IsRunning returns whether the manager is running
func (m *Manager) IsRunning() bool {
	return m.running
}

// GetState returns the current machine state
func (m *Manager) GetState() *MachineState {
	if m.interpreter != nil {
		return m.interpreter.GetState()
	}
	return nil
}

// EmergencyStop drains the queue and latches the motion core into its
// Alarm state. Unlike Stop, it does not go through ClearQueue/Reset — that
// would return the state to Idle on the same call that's meant to alarm it.
// A subsequent Stop (e.g. on host reset) clears the alarm normally.
func (m *Manager) EmergencyStop() {
	m.running = false
	if m.planner != nil {
		m.planner.Alarm()
	}
	// TODO: Disable all heaters
}
